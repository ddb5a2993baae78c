package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// execSynth runs one helper process per sentence. The helper reads a JSON
// request on stdin and answers with JSON lines of base64 PCM.
type execSynth struct {
	cmd        []string
	voice      string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command, voice string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, voice: voice, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		voice := req.Voice
		if voice == "" {
			voice = e.voice
		}
		data, err := json.Marshal(execRequest{
			Text:       req.Text,
			Voice:      voice,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
		})
		if err != nil {
			errs <- err
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start tts command: %w", err)
			return
		}
		if _, err := stdin.Write(data); err != nil {
			errs <- err
			_ = cmd.Wait()
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		index := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- fmt.Errorf("decode tts response: %w", err)
				_ = cmd.Wait()
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				errs <- fmt.Errorf("decode tts pcm: %w", err)
				_ = cmd.Wait()
				return
			}
			chunk := SynthChunk{
				Sequence:   req.Sequence,
				Index:      index,
				SampleRate: e.sampleRate,
				Channels:   e.channels,
				Data:       pcm,
				Final:      resp.Final,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				_ = cmd.Wait()
				errs <- ctx.Err()
				return
			}
			index++
		}
		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			errs <- err
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			errs <- scanErr
		}
	}()
	return chunks, errs
}
