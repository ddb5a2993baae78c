package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func drain(t *testing.T, chunks <-chan SynthChunk, errs <-chan error) ([]SynthChunk, error) {
	t.Helper()
	var out []SynthChunk
	timeout := time.After(5 * time.Second)
	for chunks != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("synthesis did not finish")
		}
	}
	return out, <-errs
}

func TestMockSynthDurationScalesWithText(t *testing.T) {
	synth := NewMockSynth(8000, 1, 0)
	sc, se := synth.Synthesize(context.Background(), SynthRequest{Sequence: 7, Text: "hello"})
	chunks, err := drain(t, sc, se)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	total := 0
	for i, c := range chunks {
		if c.Sequence != 7 || c.Index != i {
			t.Fatalf("unexpected chunk header %+v", c)
		}
		total += len(c.Data)
	}
	if want := 5 * 8000 * 2 / 25; total != want {
		t.Fatalf("expected %d bytes, got %d", want, total)
	}
	if !chunks[len(chunks)-1].Final {
		t.Fatal("expected last chunk to be final")
	}
}

func TestMockSynthCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sc, se := NewMockSynth(8000, 1, time.Second).Synthesize(ctx, SynthRequest{Text: "hi"})
	_, err := drain(t, sc, se)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOpenAISynthRechunksBody(t *testing.T) {
	var got speechRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(strings.Repeat("x", 1000)))
	}))
	defer srv.Close()

	cfg := config.Default().TTS
	cfg.Mode = "openai"
	cfg.Endpoint = srv.URL + "/"
	cfg.APIKey = "secret"
	cfg.Voice = "alloy"
	synth, err := New(cfg, srv.Client())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sc, se := synth.Synthesize(context.Background(), SynthRequest{Sequence: 1, Text: "Hello there."})
	chunks, err := drain(t, sc, se)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(chunks) != 2 || len(chunks[0].Data) != 720 || len(chunks[1].Data) != 280 {
		t.Fatalf("expected 720+280 byte chunks, got %d chunks", len(chunks))
	}
	if auth != "Bearer secret" || got.Input != "Hello there." || got.Voice != "alloy" {
		t.Fatalf("unexpected request auth=%q body=%+v", auth, got)
	}
}

func TestOpenAISynthStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	synth := NewOpenAISynth(OpenAIConfig{Endpoint: srv.URL}, srv.Client())
	sc, se := synth.Synthesize(context.Background(), SynthRequest{Text: "x"})
	chunks, err := drain(t, sc, se)
	if err == nil || len(chunks) != 0 {
		t.Fatalf("expected status error and no audio, got %d chunks err=%v", len(chunks), err)
	}
}

func TestExecSynthDecodesLines(t *testing.T) {
	// "AAEC" is base64 for 0x00 0x01 0x02.
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"AAEC\"}"; echo "{\"pcm_base64\":\"AAEC\",\"final\":true}"'`, "v", 16000, 1)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	sc, se := synth.Synthesize(context.Background(), SynthRequest{Sequence: 3, Text: "Hi."})
	chunks, err := drain(t, sc, se)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(chunks) != 2 || len(chunks[1].Data) != 3 || !chunks[1].Final || chunks[1].Sequence != 3 {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
}

func TestExecSynthFailure(t *testing.T) {
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; exit 3'`, "", 16000, 1)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	sc, se := synth.Synthesize(context.Background(), SynthRequest{Text: "Hi."})
	if _, err := drain(t, sc, se); err == nil {
		t.Fatal("expected exit status error")
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.TTSConfig{Mode: "kazoo"}, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
