package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStripDataURL(t *testing.T) {
	cases := map[string]string{
		"data:image/png;base64,QUJD": "QUJD",
		"QUJD":                       "QUJD",
		"  ":                         "",
	}
	for in, want := range cases {
		if got := StripDataURL(in); got != want {
			t.Fatalf("StripDataURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGeminiChatRequestShape(t *testing.T) {
	var got generateRequest
	var gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{
				map[string]any{"text": "Здравствуйте! "},
				map[string]any{"text": "Чем помочь?"},
			}}}},
		})
	}))
	defer srv.Close()

	c, err := NewGeminiClient(GeminiOptions{APIKey: "k", Model: "models/gemini-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	text, err := c.Chat(context.Background(), ChatRequest{
		System:  "Вы AI-Abitur",
		History: []Turn{{Role: "user", Text: "привет"}, {Role: "model", Text: "здравствуйте"}},
		Text:    "что на фото?",
		Image:   "data:image/jpeg;base64,QUJD",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if text != "Здравствуйте! Чем помочь?" {
		t.Fatalf("text = %q", text)
	}
	if gotKey != "k" || gotPath != "/models/gemini-test:generateContent" {
		t.Fatalf("key=%q path=%q", gotKey, gotPath)
	}
	if len(got.Contents) != 3 || got.Contents[1].Role != "model" {
		t.Fatalf("contents = %+v", got.Contents)
	}
	last := got.Contents[2].Parts
	if len(last) != 2 || last[0].InlineData == nil || last[0].InlineData.Data != "QUJD" || last[1].Text != "что на фото?" {
		t.Fatalf("user turn parts = %+v", last)
	}
	if got.SystemInstruction == nil || got.GenerationConfig.Temperature != DefaultTemperature || got.GenerationConfig.TopP != DefaultTopP {
		t.Fatalf("system/config = %+v %+v", got.SystemInstruction, got.GenerationConfig)
	}
}

func TestGeminiErrorsAndEmpty(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if status >= 400 {
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "API key not valid"}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	}))
	defer srv.Close()
	c, _ := NewGeminiClient(GeminiOptions{APIKey: "k", BaseURL: srv.URL})

	if _, err := c.Chat(context.Background(), ChatRequest{Text: "hi"}); err == nil || err.Error() != "gemini api error: API key not valid" {
		t.Fatalf("error = %v", err)
	}
	status = http.StatusOK
	if _, err := c.Chat(context.Background(), ChatRequest{Text: "hi"}); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("empty = %v", err)
	}
}

func TestOpenAIClientChat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": " Ответ "}}},
		})
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIOptions{BaseURL: srv.URL + "/v1", Model: "local-model"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	text, err := c.Chat(context.Background(), ChatRequest{System: "sys", History: []Turn{{Role: "model", Text: "prev"}}, Text: "q"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if text != "Ответ" {
		t.Fatalf("text = %q", text)
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("messages = %v", got["messages"])
	}
	if role := msgs[1].(map[string]any)["role"]; role != "assistant" {
		t.Fatalf("history role = %v", role)
	}
}

func TestNewProvider(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("empty config: %v", err)
	}
	if _, err := New(Config{Provider: "ollama"}); err == nil {
		t.Fatalf("unknown provider should fail")
	}
	g, err := New(Config{Provider: "openai", Model: "m", BaseURL: "http://localhost:8000/v1"})
	if err != nil || g == nil {
		t.Fatalf("openai provider: %v", err)
	}
}
