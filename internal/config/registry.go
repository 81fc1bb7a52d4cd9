package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/callwire/pkg/provider/llm"
	"github.com/MrWong99/callwire/pkg/provider/stt"
	"github.com/MrWong99/callwire/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is one kind's name-to-constructor table.
type factories[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, m: make(map[string]Factory[T])}
}

func (f factories[T]) create(entry ProviderEntry) (T, error) {
	factory, ok := f.m[entry.Name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: create %s/%q: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

func (f factories[T]) names() []string {
	out := make([]string, 0, len(f.m))
	for name := range f.m {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Registry maps provider names to their constructor functions for each
// pipeline stage. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm factories[llm.Provider]
	stt factories[stt.Provider]
	tts factories[tts.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: newFactories[llm.Provider]("llm"),
		stt: newFactories[stt.Provider]("stt"),
		tts: newFactories[tts.Provider]("tts"),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory Factory[stt.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory Factory[tts.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.m[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tts.create(entry)
}

// Names returns the sorted registered names for kind ("llm", "stt", "tts").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "llm":
		return r.llm.names()
	case "stt":
		return r.stt.names()
	case "tts":
		return r.tts.names()
	}
	return nil
}
