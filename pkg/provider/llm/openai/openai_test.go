package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/callwire/pkg/provider/llm"
)

func TestToParam(t *testing.T) {
	for _, role := range []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant} {
		u, err := toParam(llm.Message{Role: role, Content: "hello"})
		if err != nil {
			t.Fatalf("%s: %v", role, err)
		}
		if (role == llm.RoleSystem) != (u.OfSystem != nil) ||
			(role == llm.RoleUser) != (u.OfUser != nil) ||
			(role == llm.RoleAssistant) != (u.OfAssistant != nil) {
			t.Errorf("%s mapped to the wrong union member", role)
		}
	}
	if _, err := toParam(llm.Message{Role: "tool"}); err == nil {
		t.Error("tool role accepted")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("empty api key accepted")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("empty model accepted")
	}
}

// fakeChat answers /chat/completions with reply and finishReason and
// records the decoded request body.
func fakeChat(t *testing.T, status int, reply, finishReason string, got *map[string]any) *Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		if got != nil {
			_ = json.Unmarshal(raw, got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = io.WriteString(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index": 0, "finish_reason": finishReason,
				"message": map[string]any{"role": "assistant", "content": reply},
			}},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
		})
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestComplete(t *testing.T) {
	var body map[string]any
	p := fakeChat(t, http.StatusOK, "Sure, what day works?", "stop", &body)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You answer phones."},
			{Role: llm.RoleUser, Content: "I need an appointment"},
		},
		MaxTokens: 150,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Sure, what day works?" || resp.Truncated {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.TotalTokens != 17 {
		t.Errorf("total tokens = %d, want 17", resp.Usage.TotalTokens)
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("request messages = %d, want 2", len(msgs))
	}
	if body["max_completion_tokens"] != float64(150) {
		t.Errorf("max_completion_tokens = %v", body["max_completion_tokens"])
	}
	if _, ok := body["temperature"]; ok {
		t.Error("zero temperature sent")
	}
}

func TestComplete_TruncatedReply(t *testing.T) {
	p := fakeChat(t, http.StatusOK, "We have Tuesday at ten. We also have Thursday aft", "length", nil)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "when can I come in?"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !resp.Truncated || resp.Content != "We have Tuesday at ten." {
		t.Errorf("resp = %+v", resp)
	}
}

func TestComplete_APIError(t *testing.T) {
	p := fakeChat(t, http.StatusUnauthorized, "", "", nil)

	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("err = %v, want status 401", err)
	}
}

func TestComplete_NoMessages(t *testing.T) {
	p := fakeChat(t, http.StatusOK, "unused", "stop", nil)
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("empty request accepted")
	}
}
