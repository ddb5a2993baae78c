package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultChunkBytes = 720

// OpenAIConfig points at any server implementing the OpenAI speech endpoint.
type OpenAIConfig struct {
	Endpoint   string
	APIKey     string
	Model      string
	Voice      string
	Format     string
	ChunkBytes int
}

type openAISynth struct {
	cfg    OpenAIConfig
	client *http.Client
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// NewOpenAISynth streams the encoded response body in ChunkBytes pieces.
func NewOpenAISynth(cfg OpenAIConfig, client *http.Client) Synthesizer {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = defaultChunkBytes
	}
	if client == nil {
		client = http.DefaultClient
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &openAISynth{cfg: cfg, client: client}
}

func (o *openAISynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		voice := req.Voice
		if voice == "" {
			voice = o.cfg.Voice
		}
		body, err := json.Marshal(speechRequest{
			Model:          o.cfg.Model,
			Input:          req.Text,
			Voice:          voice,
			ResponseFormat: o.cfg.Format,
		})
		if err != nil {
			errs <- err
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint+"/audio/speech", bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if o.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
		}

		resp, err := o.client.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			errs <- fmt.Errorf("speech endpoint returned status %s: %s", resp.Status, strings.TrimSpace(string(detail)))
			return
		}

		index := 0
		for {
			buf := make([]byte, o.cfg.ChunkBytes)
			n, readErr := io.ReadFull(resp.Body, buf)
			if n > 0 {
				chunk := SynthChunk{Sequence: req.Sequence, Index: index, Data: buf[:n]}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
				index++
			}
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				return
			}
			if readErr != nil {
				errs <- readErr
				return
			}
		}
	}()
	return chunks, errs
}
