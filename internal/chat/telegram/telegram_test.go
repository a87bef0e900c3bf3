package telegram

import (
	"testing"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/chat"
)

func TestBuildKeyboard_OneRowPerButton(t *testing.T) {
	markup := buildKeyboard([]chat.Button{
		{Text: "personal:1", Data: "personal:1"},
		{Text: "group:1", Data: "group:1"},
	})

	if len(markup.InlineKeyboard) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(markup.InlineKeyboard))
	}
	if markup.InlineKeyboard[0][0].Text != "personal:1" {
		t.Errorf("row 0 text = %q, want personal:1", markup.InlineKeyboard[0][0].Text)
	}
}
