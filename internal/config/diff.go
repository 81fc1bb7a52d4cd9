package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level is applied live; every other changed section is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections whose values changed
	// but only take effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"telephony", old.Telephony, new.Telephony},
		{"providers", old.Providers, new.Providers},
		{"database", old.Database, new.Database},
		{"ledger", old.Ledger, new.Ledger},
		{"session", old.Session, new.Session},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
