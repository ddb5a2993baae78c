package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/control"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		readStdin   bool
		verbatim    bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults plus LOQA_* env when empty)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&readStdin, "stdin", true, "Read prompts from stdin (q quits, /skip interrupts)")
	flag.BoolVar(&verbatim, "say", false, "Speak stdin lines verbatim instead of prompting the language model")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if readStdin {
		go promptLoop(os.Stdin, rt.Speaker(), verbatim, stop, logger)
	}

	<-ctx.Done()
	logger.Info("runtime stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Error("runtime shutdown error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// promptLoop turns each stdin line into a speak request. A new prompt
// interrupts whatever is still playing.
func promptLoop(in io.Reader, speaker *control.Speaker, verbatim bool, quit func(), logger *slog.Logger) {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(os.Stderr, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "q", "quit", "exit":
			quit()
			return
		case "/skip":
			speaker.Skip("stdin")
		default:
			req := protocol.SpeakRequest{Interrupt: true, Timestamp: time.Now().UTC()}
			if verbatim {
				req.Text = line
			} else {
				req.Prompt = line
			}
			speaker.Submit(req)
		}
		fmt.Fprint(os.Stderr, "> ")
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin read failed", slog.String("error", err.Error()))
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
