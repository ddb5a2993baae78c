package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/segment"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'segment', 'speak', 'skip', 'events' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "segment":
		err = runSegment(os.Args[2:], os.Stdin, os.Stdout)
	case "speak":
		err = runSpeak(os.Args[2:])
	case "skip":
		err = runSkip(os.Args[2:])
	case "events":
		err = runEvents(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSegment(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("segment", flag.ExitOnError)
	opts := segment.DefaultOptions()
	policy := string(opts.ShortPolicy)
	fs.IntVar(&opts.MinChars, "min", opts.MinChars, "Minimum sentence length in characters")
	fs.IntVar(&opts.MaxChars, "max", opts.MaxChars, "Length after which soft delimiters stop cutting")
	fs.BoolVar(&opts.QuickFirst, "quick-first", opts.QuickFirst, "Emit the first sentence regardless of length")
	fs.StringVar(&policy, "short", policy, "Short sentence policy: merge or drop")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts.ShortPolicy = segment.ShortPolicy(policy)

	seg := segment.New(opts, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	reader := bufio.NewReader(in)
	for {
		fragment, err := reader.ReadString('\n')
		if fragment != "" {
			for _, sentence := range seg.Push(fragment) {
				fmt.Fprintln(out, sentence)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	for _, sentence := range seg.Flush() {
		fmt.Fprintln(out, sentence)
	}
	return nil
}

type busFlags struct {
	configPath string
	server     string
	prefix     string
}

func (b *busFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&b.server, "server", "", "NATS server URL (overrides config)")
	fs.StringVar(&b.prefix, "prefix", "", "Subject prefix (overrides config)")
}

func (b *busFlags) connect(ctx context.Context) (*bus.Client, error) {
	cfg, err := config.Load(b.configPath)
	if err != nil {
		return nil, err
	}
	busCfg := cfg.Bus
	if b.server != "" {
		busCfg.Servers = []string{b.server}
	}
	if b.prefix != "" {
		busCfg.SubjectPrefix = b.prefix
	}
	return bus.Connect(ctx, busCfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runSpeak(args []string) error {
	fs := flag.NewFlagSet("speak", flag.ExitOnError)
	var bf busFlags
	bf.register(fs)
	var req protocol.SpeakRequest
	fs.StringVar(&req.Text, "text", "", "Text to speak verbatim")
	fs.StringVar(&req.Prompt, "prompt", "", "Prompt for the language model")
	fs.StringVar(&req.System, "system", "", "System prompt override")
	fs.BoolVar(&req.Interrupt, "interrupt", false, "Skip current playback first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if req.Text == "" && req.Prompt == "" {
		return fmt.Errorf("speak needs -text or -prompt")
	}
	req.RequestID = uuid.NewString()
	req.Timestamp = time.Now().UTC()

	client, err := bf.connect(context.Background())
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.PublishJSON(protocol.SubjectSpeak, req); err != nil {
		return err
	}
	if err := client.Conn().Flush(); err != nil {
		return err
	}
	fmt.Println(req.RequestID)
	return nil
}

func runSkip(args []string) error {
	fs := flag.NewFlagSet("skip", flag.ExitOnError)
	var bf busFlags
	bf.register(fs)
	reason := fs.String("reason", "cli", "Reason recorded with the skip")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := bf.connect(context.Background())
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.PublishJSON(protocol.SubjectSkip, protocol.SkipRequest{Reason: *reason, Timestamp: time.Now().UTC()}); err != nil {
		return err
	}
	return client.Conn().Flush()
}

func runEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	var bf busFlags
	bf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := bf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	sub, err := client.Subscribe(protocol.SubjectEvents, func(msg *nats.Msg) {
		var evt protocol.PipelineEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			fmt.Fprintf(os.Stderr, "bad event: %v\n", err)
			return
		}
		line := fmt.Sprintf("%s %-20s seq=%d", evt.Timestamp.Format(time.TimeOnly), evt.Kind, evt.Sequence)
		if evt.Text != "" {
			line += fmt.Sprintf(" %q", evt.Text)
		}
		if evt.Error != "" {
			line += " error=" + evt.Error
		}
		fmt.Println(line)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	<-ctx.Done()
	return nil
}
