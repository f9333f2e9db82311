// Package router turns transport updates into handler calls: commands,
// plain text and inline-button callbacks, each run on a bounded worker pool
// behind a middleware chain.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "gitwatch/internal/runtime/supervisor"
	kit "gitwatch/internal/transport"
	logx "gitwatch/pkg/logx"
	"gitwatch/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string   // without the leading slash
	Aliases     []string // additional names, e.g. ["watch"]
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles "scope:action[:payload]" callback data.
type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

// Request is one inbound update together with its parsed routing info.
type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	ChatKind kit.ChatKind

	FromID        int64
	FromIsBot     bool
	FromUsername  string
	FromFirstName string
	IsOwner       bool

	Command string // command name, "text" or "cb:scope:action"
	Args    []string
	Text    string // full message text
	Payload string // callback payload
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends HTML text with optional adapter-specific markup.
func (r *Request) ReplyHTML(ctx context.Context, text string, markup any) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkupAdapter: markup})
	return err
}

// MessageRef points at the message that carried a callback button.
func (r *Request) MessageRef() kit.MessageRef {
	if r.Update.Callback == nil {
		return kit.MessageRef{}
	}
	cb := r.Update.Callback
	return kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
}

type Config struct {
	Workers   int // default runtime.NumCPU(), at least 2
	QueueSize int // default 256
}

const (
	replyUnknown = "Unknown command. Send /help to see what I can do."
	replyBusy    = "The bot is busy right now, please try again in a moment."
	replyOwner   = "This command is only available to the bot operators."
)

// Router dispatches updates to registered handlers.
type Router struct {
	mu        sync.RWMutex
	commands  map[string]*Command // name and aliases
	ordered   []Command
	callbacks map[string]CallbackRoute // scope:action
	text      HandlerFunc
	mws       []Middleware
	owners    []int64

	log     logx.Logger
	adapter kit.Adapter
	cfg     Config

	runMu   sync.Mutex
	running bool
	jobs    chan func()
}

func New(cfg Config, adapter kit.Adapter, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Workers < 2 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Router{
		commands:  map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		owners:    append([]int64(nil), owners...),
		log:       log,
		adapter:   adapter,
		cfg:       cfg,
		jobs:      make(chan func(), cfg.QueueSize),
	}
}

// SetOwners updates the operator list. Safe to call during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return isOwner(id, r.owners)
}

// Use appends middleware that runs inside the built-in recover/log/timeout chain.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	r.mws = append(r.mws, mw...)
	r.mu.Unlock()
}

// SetRegistry replaces every route. text handles messages that are not commands
// and may be nil.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute, text HandlerFunc) {
	byName := map[string]*Command{}
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := normalizeName(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		byName[name] = &cc
		for _, a := range c.Aliases {
			if a = normalizeName(a); a != "" {
				if _, exists := byName[a]; !exists {
					byName[a] = &cc
				}
			}
		}
		ordered = append(ordered, cc)
	}
	cb := map[string]CallbackRoute{}
	for _, rt := range cbs {
		s, a := strings.TrimSpace(rt.Scope), strings.TrimSpace(rt.Action)
		if s == "" || a == "" || rt.Handle == nil {
			continue
		}
		cb[s+":"+a] = rt
	}

	r.mu.Lock()
	r.commands = byName
	r.ordered = ordered
	r.callbacks = cb
	r.text = text
	r.mu.Unlock()
}

// Commands returns the registered commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.ordered...)
}

// PublishMenu pushes the public command list to the adapter, if it supports it.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(cctx, buildMenuCommands(r.Commands()))
}

func (r *Router) setRunning(v bool) {
	r.runMu.Lock()
	r.running = v
	r.runMu.Unlock()
}

// tryEnqueue never blocks and tolerates a closed queue.
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes updates until ctx ends or updates is closed. Handlers run
// on cfg.Workers goroutines; when the queue is full the sender gets a busy reply.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.setRunning(true)
	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		r.setRunning(false)
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

// Route dispatches a single update. Exposed for tests and synchronous callers.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	owner := isOwner(msg.FromID, r.owners)
	textH := r.text
	r.mu.RUnlock()

	req := &Request{
		Update:        up,
		Chat:          chat,
		ChatKind:      msg.ChatKind,
		FromID:        msg.FromID,
		FromIsBot:     msg.FromIsBot,
		FromUsername:  msg.FromUsername,
		FromFirstName: msg.FromFirstName,
		IsOwner:       owner,
		Text:          text,
		Adapter:       r.adapter,
	}

	if !strings.HasPrefix(text, "/") {
		if textH == nil {
			return
		}
		req.Command = "text"
		r.enqueue(ctx, req, textH, 0, func() { _ = req.Reply(ctx, replyBusy) })
		return
	}

	name, args := splitCommand(text)
	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		_ = req.Reply(ctx, replyUnknown)
		return
	}
	if cmd.Access == AccessOwnerOnly && !owner {
		_ = req.Reply(ctx, replyOwner)
		return
	}
	req.Command = cmd.Name
	req.Args = args
	r.enqueue(ctx, req, cmd.Handle, cmd.Timeout, func() { _ = req.Reply(ctx, replyBusy) })
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	data, err := tgui.ParseData(cb.Data)
	if err != nil {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	r.mu.RLock()
	route, ok := r.callbacks[data.Scope+":"+data.Action]
	owner := isOwner(cb.FromID, r.owners)
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if route.Access == AccessOwnerOnly && !owner {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	req := &Request{
		Update:        up,
		Chat:          kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		ChatKind:      cb.ChatKind,
		FromID:        cb.FromID,
		FromIsBot:     cb.FromIsBot,
		FromUsername:  cb.FromUsername,
		FromFirstName: cb.FromFirstName,
		IsOwner:       owner,
		Command:       "cb:" + data.Scope + ":" + data.Action,
		Payload:       data.Payload,
		Adapter:       r.adapter,
	}
	h := func(ctx context.Context, req *Request) error {
		err := route.Handle(ctx, req, req.Payload)
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return err
	}
	r.enqueue(ctx, req, h, route.Timeout, func() { _ = r.adapter.AnswerCallback(ctx, cb.ID, "busy") })
}

func (r *Router) enqueue(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration, busy func()) {
	req.ReqID = newReqID()
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", req.Command),
	)

	r.mu.RLock()
	mws := append([]Middleware{MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(timeout)}, r.mws...)
	r.mu.RUnlock()
	final := Chain(h, mws...)

	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		req.Logger.Warn("command queue full")
		busy()
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
