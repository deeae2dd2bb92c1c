// Package browser applies injection plans to Chrome tabs over the DevTools
// protocol.
package browser

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/binzume/userscript-watch/internal/inject"
)

const (
	defaultReconnectInterval = 10 * time.Second
	defaultEvalTimeout       = 5 * time.Second
)

// Planner produces the plan for a navigation and the start-group scripts to
// register before documents are created.
type Planner interface {
	Plan(rawURL string) inject.Plan
	Startup() []inject.Injection
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithReconnectInterval sets the minimum time between connection attempts.
func WithReconnectInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.reconnect = d
		}
	}
}

// WithEvalTimeout bounds the evaluation of one plan.
func WithEvalTimeout(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// session is the watcher's attachment to one page target.
type session struct {
	targetID target.ID
	ctx      context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	registered []page.ScriptIdentifier
}

// Watcher attaches to every page target of a browser, registers the start
// group to run on each new document and evaluates the plan whenever a
// target's main frame commits a navigation.
type Watcher struct {
	planner   Planner
	logger    *slog.Logger
	reconnect time.Duration
	timeout   time.Duration

	// evaluate and addScripts talk to the browser.
	evaluate   func(ctx context.Context, url string, injections []inject.Injection) error
	addScripts func(ctx context.Context, s *session, scripts []inject.Injection)

	mu       sync.Mutex
	sessions map[target.ID]*session
}

// NewWatcher returns a watcher that asks planner what to inject.
func NewWatcher(planner Planner, opts ...Option) *Watcher {
	w := &Watcher{
		planner:   planner,
		logger:    slog.Default(),
		reconnect: defaultReconnectInterval,
		timeout:   defaultEvalTimeout,
		sessions:  map[target.ID]*session{},
	}
	w.evaluate = w.evaluateAll
	w.addScripts = w.replaceNewDocumentScripts
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Apply evaluates the plan in the target bound to ctx: the start group
// first, then the deferred end group. A failing script does not stop the
// others.
func (w *Watcher) Apply(ctx context.Context, t *target.Info, plan inject.Plan) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.evaluate(ctx, t.URL, plan.Injections())
}

func (w *Watcher) evaluateAll(ctx context.Context, url string, injections []inject.Injection) error {
	var actions []chromedp.Action
	for _, inj := range injections {
		inj := inj
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			if err := chromedp.Evaluate(inj.Code, nil).Do(ctx); err != nil {
				w.logger.Warn("script failed", "script", inj.Script, "url", url, "error", err)
			}
			return nil
		}))
	}

	err := chromedp.Run(ctx, actions...)
	if err != nil {
		w.logger.Error("cannot inject scripts", "url", url, "error", err)
	}
	return err
}

// replaceNewDocumentScripts swaps the session's registered scripts for the
// current start group.
func (w *Watcher) replaceNewDocumentScripts(ctx context.Context, s *session, scripts []inject.Injection) {
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, id := range s.registered {
			if err := page.RemoveScriptToEvaluateOnNewDocument(id).Do(ctx); err != nil {
				w.logger.Debug("cannot unregister script", "target", s.targetID, "error", err)
			}
		}
		s.registered = s.registered[:0]
		for _, inj := range scripts {
			id, err := page.AddScriptToEvaluateOnNewDocument(inj.Code).Do(ctx)
			if err != nil {
				w.logger.Warn("cannot register script", "script", inj.Script, "target", s.targetID, "error", err)
				continue
			}
			s.registered = append(s.registered, id)
		}
		return nil
	}))
	if err != nil {
		w.logger.Warn("cannot register start scripts", "target", s.targetID, "error", err)
	}
}

func (w *Watcher) register(s *session) {
	scripts := w.planner.Startup()

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(s.ctx, w.timeout)
	defer cancel()
	w.addScripts(ctx, s, scripts)
}

// Refresh re-registers the start group on every attached target. Call it
// after the script set or its enabled state changed.
func (w *Watcher) Refresh() {
	w.mu.Lock()
	sessions := make([]*session, 0, len(w.sessions))
	for _, s := range w.sessions {
		sessions = append(sessions, s)
	}
	w.mu.Unlock()

	for _, s := range sessions {
		w.register(s)
	}
}

// onNavigated runs the plan for a committed navigation. Every new document
// gets a plan, including reloads of the same URL.
func (w *Watcher) onNavigated(s *session, frame *cdp.Frame) {
	if !isMainFrame(s, frame) {
		return
	}
	url := frame.URL + frame.URLFragment
	plan := w.planner.Plan(url)
	if plan.Empty() {
		return
	}
	w.logger.Info("injecting", "url", url, "start", len(plan.Start), "end", len(plan.End))
	_ = w.Apply(s.ctx, &target.Info{TargetID: s.targetID, URL: url}, plan)
}

// isMainFrame reports whether frame is the root frame of the session's
// target. Page and out-of-process iframe targets share their root frame's id.
func isMainFrame(s *session, frame *cdp.Frame) bool {
	if frame == nil {
		return false
	}
	return frame.ParentID == "" || frame.ID == cdp.FrameID(s.targetID)
}

func isPage(t *target.Info) bool {
	return t.Type == "page" || t.Type == "iframe"
}

// openSession attaches to t, listens for its navigations and registers the
// start group. The document already loaded gets the full plan.
func (w *Watcher) openSession(browserCtx context.Context, t *target.Info) {
	w.mu.Lock()
	if _, ok := w.sessions[t.TargetID]; ok {
		w.mu.Unlock()
		return
	}
	ctx, cancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(t.TargetID))
	s := &session{targetID: t.TargetID, ctx: ctx, cancel: cancel}
	w.sessions[t.TargetID] = s
	w.mu.Unlock()

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if ev, ok := ev.(*page.EventFrameNavigated); ok {
			go w.onNavigated(s, ev.Frame)
		}
	})

	current := t.URL
	if err := chromedp.Run(ctx, chromedp.Location(&current)); err != nil {
		w.logger.Warn("cannot attach to target", "url", t.URL, "error", err)
		w.closeSession(t.TargetID)
		return
	}
	w.logger.Debug("attached", "target", t.TargetID, "url", current)
	w.register(s)
	w.onNavigated(s, &cdp.Frame{ID: cdp.FrameID(t.TargetID), URL: current})
}

// closeSession detaches from a target without closing it.
func (w *Watcher) closeSession(id target.ID) {
	w.mu.Lock()
	s, ok := w.sessions[id]
	delete(w.sessions, id)
	w.mu.Unlock()
	if !ok {
		return
	}

	// FIXME: workaround to avoid the browser tab to be closed.
	if cc := chromedp.FromContext(s.ctx); cc != nil && cc.Target != nil {
		cc.Target.TargetID = ""
	}
	s.cancel()
}

func (w *Watcher) closeAll() {
	w.mu.Lock()
	ids := make([]target.ID, 0, len(w.sessions))
	for id := range w.sessions {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.closeSession(id)
	}
}

func (w *Watcher) watch(parentCtx context.Context) error {
	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()
	defer w.closeAll()

	chromedp.ListenBrowser(ctx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *target.EventTargetCreated:
			if isPage(ev.TargetInfo) {
				go w.openSession(ctx, ev.TargetInfo)
			}
		case *target.EventTargetDestroyed:
			go w.closeSession(ev.TargetID)
		}
	})
	targets, err := chromedp.Targets(ctx) // Also ensure initialize cc.Browser
	if err != nil {
		return err
	}
	cc := chromedp.FromContext(ctx)
	if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, cc.Browser)); err != nil {
		return err
	}

	for _, t := range targets {
		if isPage(t) {
			go w.openSession(ctx, t)
		}
	}

	select {
	case <-cc.Browser.LostConnection:
		w.logger.Warn("lost connection to browser")
		cancel()
	case <-ctx.Done():
	}
	return ctx.Err()
}

// Run connects to the DevTools endpoint and watches until ctx is done,
// reconnecting whenever the browser goes away.
func (w *Watcher) Run(ctx context.Context, devtoolsURL string) error {
	allocatorCtx, cancel := chromedp.NewRemoteAllocator(ctx, devtoolsURL)
	defer cancel()

	for {
		start := time.Now()
		w.logger.Info("attaching", "devtools", devtoolsURL)
		err := w.watch(allocatorCtx)
		w.logger.Info("detached", "error", err)

		wait := w.reconnect - time.Since(start)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
