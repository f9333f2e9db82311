package tgui

import (
	"errors"
	"strings"
	"testing"
)

func TestParseData(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    CallbackData
		wantErr bool
	}{
		{in: "watch:unwatch:123", want: CallbackData{Scope: "watch", Action: "unwatch", Payload: "123"}},
		{in: "watch:cancel", want: CallbackData{Scope: "watch", Action: "cancel"}},
		{in: "a:b:c:d", want: CallbackData{Scope: "a", Action: "b", Payload: "c:d"}},
		{in: "", wantErr: true},
		{in: "watch", wantErr: true},
		{in: ":x", wantErr: true},
		{in: "w:" + strings.Repeat("x", 70), wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseData(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrCallbackDataInvalid) {
				t.Fatalf("ParseData(%q) err=%v, want ErrCallbackDataInvalid", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseData(%q)=%+v,%v want %+v", tt.in, got, err, tt.want)
		}
		if got.String() != tt.in {
			t.Fatalf("round trip %q -> %q", tt.in, got.String())
		}
	}
}

func TestCheckedData(t *testing.T) {
	t.Parallel()
	if _, err := CheckedData("watch", "unwatch", strings.Repeat("9", 60)); !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("expected too long, got %v", err)
	}
	s, err := CheckedData("watch", "unwatch", "42")
	if err != nil || s != "watch:unwatch:42" {
		t.Fatalf("got %q %v", s, err)
	}
}

func TestHTMLHelpers(t *testing.T) {
	t.Parallel()
	if got := B("a<b"); got != "<b>a&lt;b</b>" {
		t.Fatalf("B=%q", got)
	}
	if got := Link("x&y", "https://github.com/a/b?x=1&y=2"); got != `<a href="https://github.com/a/b?x=1&amp;y=2">x&amp;y</a>` {
		t.Fatalf("Link=%q", got)
	}
	if got := JoinH("\n", B("a"), "", Esc("c")); got != "<b>a</b>\nc" {
		t.Fatalf("JoinH=%q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	if got := TruncRunes("héllo", 3); got != "hél…" {
		t.Fatalf("got %q", got)
	}
	if got := TruncRunes("abc", 3); got != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestInline(t *testing.T) {
	t.Parallel()
	in := NewInline().Row(Btn("a/b", Data("watch", "unwatch", "1"))).Row().Row(Btn("Cancel", Data("watch", "cancel", "")))
	if in.Rows() != 2 {
		t.Fatalf("rows=%d", in.Rows())
	}
	if len(in.Markup().InlineKeyboard) != 2 {
		t.Fatalf("markup rows=%d", len(in.Markup().InlineKeyboard))
	}
}
