package logx

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fields sorted",
			in:   `{"level":"warn","time":"2026-01-01T00:00:00Z","message":"delivery failed","subscriber_id":7,"comp":"delivery"}`,
			want: "[WARN] delivery failed\n- comp=delivery\n- subscriber_id=7",
		},
		{name: "no fields", in: `{"level":"error","message":"boom"}`, want: "[ERROR] boom"},
		{name: "not json", in: "plain text\n", want: "plain text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := FormatChatLine([]byte(tc.in)); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatChatLineTruncates(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 1000)
	got := FormatChatLine([]byte(`{"level":"info","message":"m","body":"` + long + `"}`))
	if !strings.HasSuffix(got, "...") || len(got) > 700 {
		t.Fatalf("len = %d, tail = %q", len(got), got[len(got)-5:])
	}
}

func TestFieldsRender(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := logger.Info()
	for _, f := range []Field{
		String("repo", "a/b"),
		Int64("id", 9),
		Bool("ok", true),
		Strs("sections", []string{"github", "watch"}),
		Err(errors.New("bad")),
	} {
		f(e)
	}
	e.Msg("hi")
	out := buf.String()
	for _, want := range []string{`"repo":"a/b"`, `"id":9`, `"ok":true`, `"sections":["github","watch"]`, `:"bad"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestNopAndZero(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger not reported as zero")
	}
	n := Nop()
	n.Info("discarded", String("k", "v"))
	if n.With(String("a", "b")).IsZero() {
		t.Fatal("With returned zero logger")
	}
}
