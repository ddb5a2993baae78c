// Package segment splits an incremental text stream into speakable sentences.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// ShortPolicy decides what happens to a sentence below the minimum length.
type ShortPolicy string

const (
	// MergeForward keeps a short sentence buffered so it joins the following text.
	MergeForward ShortPolicy = "merge"
	// Drop discards a short sentence.
	Drop ShortPolicy = "drop"
)

// ErrInvalidUTF8 marks a fragment that is not valid UTF-8.
var ErrInvalidUTF8 = errors.New("fragment is not valid utf-8")

// Error reports a malformed fragment. Segmentation continues after it.
type Error struct {
	Fragment string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("segment fragment %q: %v", e.Fragment, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options tune sentence boundaries. Lengths are counted in runes.
type Options struct {
	MinChars    int
	MaxChars    int
	QuickFirst  bool
	ShortPolicy ShortPolicy
}

// DefaultOptions mirrors the settings used for streamed LLM output.
func DefaultOptions() Options {
	return Options{
		MinChars:    5,
		MaxChars:    100,
		QuickFirst:  false,
		ShortPolicy: MergeForward,
	}
}

func isDelimiter(r rune) bool {
	switch r {
	case ',', '.', '?', '!', ';', ':', '，', '。', '？', '！', '；', '：':
		return true
	}
	return false
}

func isHardBreak(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// Segmenter accumulates fragments and cuts sentences on punctuation.
// It is not safe for concurrent use; create one per stream.
type Segmenter struct {
	opts    Options
	buf     strings.Builder
	emitted bool
	logger  *slog.Logger
}

// New returns a Segmenter. A nil logger discards segmentation warnings.
func New(opts Options, logger *slog.Logger) *Segmenter {
	if opts.ShortPolicy == "" {
		opts.ShortPolicy = MergeForward
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Segmenter{opts: opts, logger: logger}
}

// Push consumes one fragment and returns any sentences it completed.
func (s *Segmenter) Push(fragment string) []string {
	if !utf8.ValidString(fragment) {
		err := &Error{Fragment: fragment, Err: ErrInvalidUTF8}
		s.logger.Warn("malformed text fragment", slog.String("error", err.Error()))
		fragment = strings.ToValidUTF8(fragment, string(utf8.RuneError))
	}

	var out []string
	for _, r := range fragment {
		s.buf.WriteRune(r)
		if !isDelimiter(r) {
			continue
		}
		text := strings.TrimSpace(s.buf.String())
		if utf8.RuneCountInString(text) > s.opts.MaxChars && !isHardBreak(r) {
			continue
		}
		if text == "" {
			s.buf.Reset()
			continue
		}
		if s.accept(text) {
			out = append(out, text)
			s.buf.Reset()
			continue
		}
		if s.opts.ShortPolicy == Drop {
			s.logger.Debug("dropping short sentence", slog.String("text", text))
			s.buf.Reset()
		}
	}
	return out
}

// Flush ends the stream and returns the buffered remainder, if any.
// Under MergeForward a short remainder is still returned since nothing follows it.
func (s *Segmenter) Flush() []string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if text == "" {
		return nil
	}
	if s.accept(text) || s.opts.ShortPolicy == MergeForward {
		s.emitted = true
		return []string{text}
	}
	s.logger.Debug("dropping short remainder", slog.String("text", text))
	return nil
}

// Pending returns the text buffered so far.
func (s *Segmenter) Pending() string {
	return s.buf.String()
}

func (s *Segmenter) accept(text string) bool {
	if !s.emitted && s.opts.QuickFirst {
		s.emitted = true
		return true
	}
	if contentLen(text) < s.opts.MinChars {
		return false
	}
	s.emitted = true
	return true
}

// contentLen counts runes without the closing punctuation.
func contentLen(text string) int {
	return utf8.RuneCountInString(strings.TrimRightFunc(text, isDelimiter))
}

// Stream segments fragments from in until it closes or ctx ends.
// The returned channel is closed after the final flush.
func Stream(ctx context.Context, in <-chan string, opts Options, logger *slog.Logger) <-chan string {
	out := make(chan string)
	seg := New(opts, logger)
	go func() {
		defer close(out)
		emit := func(sentences []string) bool {
			for _, sentence := range sentences {
				select {
				case out <- sentence:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}
		for {
			select {
			case <-ctx.Done():
				return
			case fragment, ok := <-in:
				if !ok {
					emit(seg.Flush())
					return
				}
				if !emit(seg.Push(fragment)) {
					return
				}
			}
		}
	}()
	return out
}
