package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunSegmentSplitsStdin(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("你好，世界。今天天气很好！Hi. This one is long enough.")
	if err := runSegment([]string{"-min", "5"}, in, &out); err != nil {
		t.Fatalf("segment: %v", err)
	}
	got := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{"你好，世界。", "今天天气很好！", "Hi. This one is long enough."}
	if len(got) != len(want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
