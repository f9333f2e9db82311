package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"gitwatch/internal/eventbus"
	"gitwatch/internal/storage"
	kit "gitwatch/internal/transport"
	"gitwatch/internal/transport/telegram/router"
	"gitwatch/internal/watch"
	logx "gitwatch/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type sent struct {
	text   string
	markup any
}

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []sent
	deleted  []kit.MessageRef
	answered []string
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }
func (a *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := sent{text: text}
	if opt != nil {
		s.markup = opt.ReplyMarkupAdapter
	}
	a.sent = append(a.sent, s)
	return kit.MessageRef{}, nil
}
func (a *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (a *fakeAdapter) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	a.mu.Lock()
	a.deleted = append(a.deleted, ref)
	a.mu.Unlock()
	return nil
}
func (a *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	a.mu.Lock()
	a.answered = append(a.answered, text)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) last(t *testing.T) sent {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return a.sent[len(a.sent)-1]
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

type fakeSource struct {
	repos map[string]watch.Snapshot
	err   error
}

func (f *fakeSource) FetchEntity(_ context.Context, name string) (watch.Snapshot, error) {
	if f.err != nil {
		return watch.Snapshot{}, f.err
	}
	s, ok := f.repos[strings.ToLower(name)]
	if !ok {
		return watch.Snapshot{}, watch.ErrNotFound
	}
	return s, nil
}

type fakeAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeAlerter) Alert(_ context.Context, text string) {
	f.mu.Lock()
	f.msgs = append(f.msgs, text)
	f.mu.Unlock()
}

func (f *fakeAlerter) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

type fixture struct {
	bot   *Bot
	store *watch.Store
	src   *fakeSource
	ad    *fakeAdapter
	alert *fakeAlerter
	bus   eventbus.Bus
}

func newFixture(t *testing.T, max int) *fixture {
	t.Helper()
	p, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	st := watch.NewStore(p, watch.WithMaxWatches(max))
	src := &fakeSource{repos: map[string]watch.Snapshot{
		"golang/go":  {EntityID: 1, FullName: "golang/go", Counters: watch.Counters{Stars: 120000}},
		"rs/zerolog": {EntityID: 2, FullName: "rs/zerolog", Counters: watch.Counters{Stars: 10000}},
	}}
	al := &fakeAlerter{}
	bus := eventbus.New()
	return &fixture{
		bot:   New(st, src, WithAlerter(al), WithBus(bus)),
		store: st, src: src, ad: &fakeAdapter{}, alert: al, bus: bus,
	}
}

func (f *fixture) req(from int64, text string, args ...string) *router.Request {
	cmd := "text"
	if strings.HasPrefix(text, "/") {
		cmd = strings.TrimPrefix(strings.Fields(text)[0], "/")
	}
	return &router.Request{
		Update:        kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text}},
		Chat:          kit.ChatTarget{ChatID: from},
		ChatKind:      kit.ChatPrivate,
		FromID:        from,
		FromUsername:  "ann",
		FromFirstName: "Ann",
		Command:       cmd,
		Args:          args,
		Text:          text,
		Adapter:       f.ad,
		Logger:        logx.Nop(),
	}
}

func (f *fixture) start(t *testing.T, id int64) {
	t.Helper()
	if err := f.bot.cmdStart(context.Background(), f.req(id, "/start")); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestStartRegistersAndAlerts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 25)
	f.start(t, 7)

	if got := f.ad.last(t).text; got != replyWelcome {
		t.Fatalf("reply = %q", got)
	}
	sub, err := f.store.Subscriber(context.Background(), 7)
	if err != nil || sub.Status != watch.StatusActive || sub.Username != "ann" {
		t.Fatalf("sub = %+v, %v", sub, err)
	}
	f.start(t, 7)
	if n := len(f.alert.all()); n != 1 {
		t.Fatalf("alerts = %d, want 1 (only the first /start)", n)
	}
}

func TestStartWhileBanned(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 25)
	f.start(t, 7)
	if err := f.store.SetSubscriberStatus(context.Background(), 7, watch.StatusBanned); err != nil {
		t.Fatal(err)
	}
	f.start(t, 7)
	if got := f.ad.last(t).text; !strings.Contains(got, "banned") {
		t.Fatalf("reply = %q", got)
	}
}

func TestAddWatchOutcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 2)
	f.start(t, 7)
	events, unsub := f.bus.Subscribe(4)
	defer unsub()

	steps := []struct {
		input string
		want  string
	}{
		{"https://github.com/golang/go", replyAdded("golang/go")},
		{"golang/go", replyDuplicate("golang/go")},
		{"GoLang/Go", replyDuplicate("golang/go")},
		{"nobody/nothing", replyNotFound("nobody/nothing")},
		{"not a repo", replyInvalidName("not a repo")},
		{"rs/zerolog", replyAdded("rs/zerolog")},
		{"golang/tools", replyQuota(2)},
	}
	for _, s := range steps {
		if err := f.bot.addWatch(ctx, f.req(7, s.input), s.input); err != nil {
			t.Fatalf("%s: %v", s.input, err)
		}
		if got := f.ad.last(t).text; got != s.want {
			t.Fatalf("%s: reply = %q, want %q", s.input, got, s.want)
		}
	}

	if n, _ := f.store.CountWatches(ctx, 7); n != 2 {
		t.Fatalf("watches = %d", n)
	}
	ev := <-events
	if ev.Type != eventbus.TopicWatchAdded || ev.Data.(eventbus.WatchEvent).FullName != "golang/go" {
		t.Fatalf("event = %+v", ev)
	}
	var added int
	for _, a := range f.alert.all() {
		if strings.Contains(a, "added to watch list") {
			added++
		}
	}
	if added != 2 {
		t.Fatalf("repo added alerts = %d", added)
	}
}

func TestAddWatchRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 25)
	f.start(t, 7)
	f.src.err = watch.E(watch.KindRateLimited, "fetch", errors.New("403"))

	if err := f.bot.addWatch(context.Background(), f.req(7, "golang/go"), "golang/go"); err != nil {
		t.Fatal(err)
	}
	if got := f.ad.last(t).text; got != replyRateLimited {
		t.Fatalf("reply = %q", got)
	}
	alerts := f.alert.all()
	if !strings.Contains(alerts[len(alerts)-1], "rate limit") {
		t.Fatalf("alerts = %q", alerts)
	}
}

func TestOwnerCanWatchWithoutStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 25)
	req := f.req(1, "golang/go")
	req.IsOwner = true
	if err := f.bot.onText(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if got := f.ad.last(t).text; got != replyAdded("golang/go") {
		t.Fatalf("reply = %q", got)
	}
}

func TestPlainTextIgnoredUnlessRepo(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 25)
	f.start(t, 7)
	before := f.ad.count()
	if err := f.bot.onText(context.Background(), f.req(7, "hello there")); err != nil {
		t.Fatal(err)
	}
	if f.ad.count() != before {
		t.Fatalf("plain text got a reply: %q", f.ad.last(t).text)
	}
}

func TestUnwatchKeyboardAndCallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 25)
	f.start(t, 7)
	for _, n := range []string{"rs/zerolog", "golang/go"} {
		if err := f.bot.addWatch(ctx, f.req(7, n), n); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.bot.cmdUnwatch(ctx, f.req(7, "/unwatch_repo")); err != nil {
		t.Fatal(err)
	}
	last := f.ad.last(t)
	rm, ok := last.markup.(*tele.ReplyMarkup)
	if last.text != replyPickUnwatch || !ok {
		t.Fatalf("reply = %+v", last)
	}
	if len(rm.InlineKeyboard) != 3 {
		t.Fatalf("rows = %d, want 2 repos + cancel", len(rm.InlineKeyboard))
	}
	if first := rm.InlineKeyboard[0][0]; first.Text != "golang/go" || first.Data != "watch:unwatch:1" {
		t.Fatalf("first button = %+v", first)
	}
	if cancel := rm.InlineKeyboard[2][0]; cancel.Data != "watch:cancel" {
		t.Fatalf("cancel button = %+v", cancel)
	}

	cbReq := f.req(7, "")
	cbReq.Update = kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c", ChatID: 7, FromID: 7, MessageID: 99}}
	if err := f.bot.cbUnwatch(ctx, cbReq, "1"); err != nil {
		t.Fatal(err)
	}
	if got := f.ad.last(t).text; got != replyRemoved {
		t.Fatalf("reply = %q", got)
	}
	if n, _ := f.store.CountWatches(ctx, 7); n != 1 {
		t.Fatalf("watches = %d", n)
	}
	f.ad.mu.Lock()
	deleted := append([]kit.MessageRef(nil), f.ad.deleted...)
	f.ad.mu.Unlock()
	if len(deleted) != 1 || deleted[0].MessageID != 99 {
		t.Fatalf("deleted = %+v", deleted)
	}

	if err := f.bot.cbUnwatch(ctx, cbReq, "1"); !errors.Is(err, watch.ErrNotFound) {
		t.Fatalf("second unwatch err = %v", err)
	}
	if got := f.ad.last(t).text; got != replyRemoveFailed {
		t.Fatalf("reply = %q", got)
	}
}

func TestMyRepos(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 25)
	f.start(t, 7)
	if err := f.bot.cmdMyRepos(ctx, f.req(7, "/my_repos")); err != nil {
		t.Fatal(err)
	}
	if got := f.ad.last(t).text; got != replyEmptyList {
		t.Fatalf("empty = %q", got)
	}
	_ = f.bot.addWatch(ctx, f.req(7, "golang/go"), "golang/go")
	if err := f.bot.cmdMyRepos(ctx, f.req(7, "/my_repos")); err != nil {
		t.Fatal(err)
	}
	got := f.ad.last(t).text
	want := "You are watching <b>1</b> repositories for changes:\n- <a href=\"https://github.com/golang/go\"><b>golang/go</b></a>\n"
	if got != want {
		t.Fatalf("list = %q", got)
	}
}

func TestAdmitMiddleware(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 25)
	f.start(t, 7)
	if _, _, err := f.store.EnsureSubscriber(ctx, watch.Subscriber{ID: 8}); err != nil {
		t.Fatal(err)
	}
	_ = f.store.SetSubscriberStatus(ctx, 8, watch.StatusBanned)

	var called int
	h := router.Chain(func(context.Context, *router.Request) error {
		called++
		return nil
	}, f.bot.admit)

	cases := []struct {
		name   string
		req    func() *router.Request
		called bool
		reply  string
	}{
		{"active", func() *router.Request { return f.req(7, "/my_repos") }, true, ""},
		{"unknown user", func() *router.Request { return f.req(9, "/my_repos") }, false, "Send a /start command first to start using the bot."},
		{"unknown user start", func() *router.Request { return f.req(9, "/start") }, true, ""},
		{"banned", func() *router.Request { return f.req(8, "/my_repos") }, false, "Sorry, You are currently banned from using this bot."},
		{"group", func() *router.Request {
			r := f.req(7, "/my_repos")
			r.ChatKind = kit.ChatGroup
			return r
		}, false, "Sorry, Bot can only be interacted with in private chats."},
		{"bot", func() *router.Request {
			r := f.req(7, "/my_repos")
			r.FromIsBot = true
			return r
		}, false, ""},
	}
	for _, tc := range cases {
		before, sentBefore := called, f.ad.count()
		if err := h(ctx, tc.req()); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if (called > before) != tc.called {
			t.Fatalf("%s: handler called = %v", tc.name, called > before)
		}
		switch {
		case tc.reply == "" && f.ad.count() != sentBefore:
			t.Fatalf("%s: unexpected reply %q", tc.name, f.ad.last(t).text)
		case tc.reply != "" && f.ad.last(t).text != tc.reply:
			t.Fatalf("%s: reply = %q", tc.name, f.ad.last(t).text)
		}
	}
}

func TestOperatorCommands(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 25)
	f.start(t, 7)
	_ = f.bot.addWatch(ctx, f.req(7, "golang/go"), "golang/go")

	ban := f.bot.cmdSetStatus(watch.StatusBanned)
	if err := ban(ctx, f.req(1, "/ban 7", "7")); err != nil {
		t.Fatal(err)
	}
	if sub, _ := f.store.Subscriber(ctx, 7); sub.Status != watch.StatusBanned {
		t.Fatalf("status = %v", sub.Status)
	}
	if err := ban(ctx, f.req(1, "/ban 404", "404")); err != nil {
		t.Fatal(err)
	}
	if got := f.ad.last(t).text; got != "User 404 not found." {
		t.Fatalf("reply = %q", got)
	}

	if err := f.bot.cmdStats(ctx, f.req(1, "/stats")); err != nil {
		t.Fatal(err)
	}
	stats := f.ad.last(t).text
	for _, want := range []string{"Subscribers: 1", "BANNED: 1", "Watches: 1"} {
		if !strings.Contains(stats, want) {
			t.Fatalf("stats %q missing %q", stats, want)
		}
	}

	if err := f.bot.cmdBackup(ctx, f.req(1, "/backup")); err != nil {
		t.Fatal(err)
	}
	if got := f.ad.last(t).text; !strings.HasSuffix(got, ".tar.gz") {
		t.Fatalf("backup reply = %q", got)
	}
}

func TestInstallRegistersRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 25)
	r := router.New(router.Config{}, f.ad, []int64{1}, logx.Nop())
	f.bot.Install(r)
	names := map[string]bool{}
	for _, c := range r.Commands() {
		names[c.Name] = true
	}
	for _, want := range []string{"start", "watch_repo", "unwatch_repo", "my_repos", "help", "ban", "unban", "stats", "backup"} {
		if !names[want] {
			t.Fatalf("missing /%s", want)
		}
	}
	if !strings.Contains(r.HelpHTML(true), "/backup") {
		t.Fatal("help lacks operator commands")
	}
}
