package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// ---------------------------------------------------------------------------
// Provider construction
// ---------------------------------------------------------------------------

func TestNewProvider(t *testing.T) {
	for _, name := range []string{"openai", "openrouter", "groq", "ollama", "custom"} {
		p, err := NewProvider(Config{Provider: name, Model: "m", BaseURL: "http://x"})
		if err != nil || p == nil {
			t.Errorf("NewProvider(%q) = %v, %v", name, p, err)
		}
	}
	if _, err := NewProvider(Config{}); err == nil {
		t.Error("empty provider should fail")
	}
	if _, err := NewProvider(Config{Provider: "nope"}); err == nil {
		t.Error("unknown provider should fail")
	}
}

// ---------------------------------------------------------------------------
// HTTP round trips
// ---------------------------------------------------------------------------

func TestChatRoundTrip(t *testing.T) {
	var gotAuth string
	var gotBody chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]string{"content": "hello"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	p := NewOpenAICompat(Config{Provider: "custom", Model: "test-model", BaseURL: srv.URL, APIKey: "sk-test"})
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages:       []Message{{Role: "user", Content: "hi"}},
		ResponseFormat: "json_object",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hello" || resp.TotalTokens != 15 {
		t.Errorf("resp = %+v", resp)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody.ResponseFormat == nil || gotBody.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", gotBody.ResponseFormat)
	}
	if gotBody.Model != "test-model" {
		t.Errorf("model = %q", gotBody.Model)
	}
}

func TestEmbedOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Return data out of order; the client must re-order by index.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0, 1}},
				{"index": 0, "embedding": []float32{1, 0}},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAICompat(Config{Provider: "custom", Model: "emb", BaseURL: srv.URL})
	embs, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(embs) != 2 || embs[0][0] != 1 || embs[1][1] != 1 {
		t.Errorf("embeddings = %v", embs)
	}
}

func TestChatNonRetryableError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOpenAICompat(Config{Provider: "custom", Model: "m", BaseURL: srv.URL})
	if _, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("400 must not be retried, got %d calls", calls)
	}
}

func TestChatRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	p := NewOpenAICompat(Config{Provider: "custom", Model: "m", BaseURL: srv.URL})
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("chat after retry: %v", err)
	}
	if resp.Content != "ok" || calls != 2 {
		t.Errorf("content=%q calls=%d", resp.Content, calls)
	}
}

func TestChatHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewOpenAICompat(Config{Provider: "custom", Model: "m", BaseURL: srv.URL})
	if _, err := p.Chat(ctx, ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}}); err == nil {
		t.Fatal("cancelled context should abort")
	}
}
