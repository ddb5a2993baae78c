package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	cmd []string
}

// execLine is one line of the helper's stdout. A helper may stream many lines
// or print a single object with the whole completion.
type execLine struct {
	Content          string `json:"content"`
	Done             bool   `json:"done,omitempty"`
	Error            string `json:"error,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// NewExecGenerator runs command once per request, writing the request as JSON
// to stdin and reading JSON lines from stdout.
func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	payload := map[string]any{
		"prompt":      req.Prompt,
		"system":      req.System,
		"model":       req.Model,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm command: %w", err)
	}
	go func() {
		_, _ = stdin.Write(append(input, '\n'))
		_ = stdin.Close()
	}()

	start := time.Now()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var consumeErr error
	for scanner.Scan() {
		var line execLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			consumeErr = fmt.Errorf("decode llm exec response: %w", err)
			break
		}
		if line.Error != "" {
			consumeErr = fmt.Errorf("llm exec: %s", line.Error)
			break
		}
		if err := consumer(Chunk{
			RunID:            req.RunID,
			Content:          line.Content,
			Partial:          !line.Done,
			PromptTokens:     line.PromptTokens,
			CompletionTokens: line.CompletionTokens,
			Latency:          time.Since(start),
		}); err != nil {
			consumeErr = err
			break
		}
	}
	if consumeErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return consumeErr
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return err
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("llm exec command failed: %w", err)
	}
	return nil
}
