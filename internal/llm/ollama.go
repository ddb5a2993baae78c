package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultOllamaModel = "llama3.2:latest"

type ollamaGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaGenerator streams completions from an Ollama /api/generate
// endpoint. A nil client uses http.DefaultClient.
func NewOllamaGenerator(endpoint, model string, client *http.Client) Generator {
	if client == nil {
		client = http.DefaultClient
	}
	return &ollamaGenerator{endpoint: endpoint, model: model, client: client}
}

func (g *ollamaGenerator) modelFor(req Request) string {
	switch {
	case req.Model != "":
		return req.Model
	case g.model != "":
		return g.model
	}
	return defaultOllamaModel
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	payload := ollamaRequest{
		Model:  g.modelFor(req),
		Prompt: req.Prompt,
		System: req.System,
		Stream: true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	start := time.Now()
	var promptTokens, completionTokens int
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode ollama stream: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: %s", chunk.Error)
		}
		if chunk.EvalCount > 0 {
			completionTokens = chunk.EvalCount
		}
		if chunk.PromptEvalCount > 0 {
			promptTokens = chunk.PromptEvalCount
		}
		if err := consumer(Chunk{
			RunID:            req.RunID,
			Content:          chunk.Response,
			Partial:          !chunk.Done,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			Latency:          time.Since(start),
		}); err != nil {
			return err
		}
		if chunk.Done {
			break
		}
	}
	return scanner.Err()
}
