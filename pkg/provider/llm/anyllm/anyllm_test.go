package anyllm

import (
	"context"
	"slices"
	"testing"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callwire/pkg/provider/llm"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		model   string
		opts    []anyllmlib.Option
		wantErr bool
	}{
		{name: "no backend", model: "gpt-4o", wantErr: true},
		{name: "no model", backend: "openai", wantErr: true},
		{name: "unknown backend", backend: "fakecloud", model: "m", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("x")}, wantErr: true},
		{name: "anthropic", backend: "anthropic", model: "claude-3-5-haiku-latest", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{name: "case insensitive", backend: "Anthropic", model: "claude-3-5-haiku-latest", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{name: "ollama without key", backend: "ollama", model: "llama3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.backend, tt.model, tt.opts...)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.model != tt.model || p.timeout != defaultTimeout {
				t.Errorf("provider = %s/%v", p.model, p.timeout)
			}
		})
	}
}

func TestSupportedMatchesBackends(t *testing.T) {
	if len(Supported) != len(backends) {
		t.Fatalf("Supported has %d names, %d backends registered", len(Supported), len(backends))
	}
	if !slices.IsSorted(Supported) {
		t.Error("Supported is not sorted")
	}
	for _, name := range Supported {
		if _, ok := backends[name]; !ok {
			t.Errorf("%s listed but not registered", name)
		}
	}
}

func TestWithTimeout(t *testing.T) {
	p := &Provider{timeout: defaultTimeout}
	if p.WithTimeout(0).timeout != defaultTimeout {
		t.Error("zero timeout replaced the default")
	}
	if p.WithTimeout(3*time.Second).timeout != 3*time.Second {
		t.Error("timeout not applied")
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "sys"},
			{Role: llm.RoleUser, Content: "hi"},
		},
		Temperature: 0.4,
		MaxTokens:   120,
	})

	if params.Model != "gpt-4o-mini" || len(params.Messages) != 2 {
		t.Fatalf("params = %+v", params)
	}
	if params.Messages[0].Role != llm.RoleSystem || params.Messages[1].Role != llm.RoleUser {
		t.Errorf("roles = %q, %q", params.Messages[0].Role, params.Messages[1].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 120 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}

	zero := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if zero.Temperature != nil || zero.MaxTokens != nil {
		t.Error("zero values must be left to the backend default")
	}
}

func TestComplete_NoMessages(t *testing.T) {
	p, err := New("ollama", "llama3")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("empty request accepted")
	}
}
