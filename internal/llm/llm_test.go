package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func collect(t *testing.T, gen Generator, req Request) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fragments, errs := Fragments(ctx, gen, req)
	var sb strings.Builder
	for f := range fragments {
		sb.WriteString(f)
	}
	if err := <-errs; err != nil {
		t.Fatalf("generate: %v", err)
	}
	return sb.String()
}

func TestMockGeneratorStreamsRunes(t *testing.T) {
	gen := NewMockGenerator("你好，世界。", time.Millisecond)
	var chunks []Chunk
	err := gen.Generate(context.Background(), Request{RunID: "r1"}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(chunks) != 6 {
		t.Fatalf("expected one chunk per rune, got %d", len(chunks))
	}
	if chunks[5].Partial || !chunks[0].Partial {
		t.Fatalf("expected only the last chunk to be final")
	}
	if chunks[0].RunID != "r1" {
		t.Fatalf("expected run id to propagate, got %q", chunks[0].RunID)
	}
}

func TestMockGeneratorEchoesPrompt(t *testing.T) {
	got := collect(t, NewMockGenerator("", time.Millisecond), Request{Prompt: " hello "})
	if got != "You said: hello." {
		t.Fatalf("unexpected echo %q", got)
	}
}

func TestFragmentsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fragments, errs := Fragments(ctx, NewMockGenerator(strings.Repeat("a", 1000), time.Millisecond), Request{})
	<-fragments
	cancel()
	for range fragments {
	}
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOllamaGeneratorStreams(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, part := range []string{"Hello", " there.", " Bye."} {
			fmt.Fprintf(w, "{\"response\":%q,\"done\":false}\n", part)
		}
		fmt.Fprintln(w, `{"response":"","done":true,"eval_count":3,"prompt_eval_count":2}`)
	}))
	defer srv.Close()

	cfg := config.Default().LLM
	cfg.Mode = "ollama"
	cfg.Endpoint = srv.URL
	cfg.Model = "tiny"
	gen, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	text := collect(t, gen, RequestFromConfig(cfg, "hi"))
	if text != "Hello there. Bye." {
		t.Fatalf("unexpected text %q", text)
	}
	if got.Model != "tiny" || !got.Stream || got.Prompt != "hi" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOllamaGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL, "", srv.Client())
	err := gen.Generate(context.Background(), Request{Prompt: "x"}, func(Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestExecGeneratorReadsLines(t *testing.T) {
	gen, err := NewExecGenerator(`sh -c 'cat >/dev/null; echo "{\"content\":\"One. \"}"; echo "{\"content\":\"Two.\",\"done\":true}"'`)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if text := collect(t, gen, Request{Prompt: "p"}); text != "One. Two." {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExecGeneratorReportsHelperError(t *testing.T) {
	gen, err := NewExecGenerator(`sh -c 'cat >/dev/null; echo "{\"error\":\"model missing\"}"'`)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	err = gen.Generate(context.Background(), Request{}, func(Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "model missing") {
		t.Fatalf("expected helper error, got %v", err)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.LLMConfig{Mode: "telepathy"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
