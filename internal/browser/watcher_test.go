package browser

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binzume/userscript-watch/internal/inject"
)

type recordingPlanner struct {
	mu      sync.Mutex
	urls    []string
	empty   bool
	startup []inject.Injection
}

func (p *recordingPlanner) Plan(rawURL string) inject.Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls = append(p.urls, rawURL)
	if p.empty {
		return inject.Plan{URL: rawURL}
	}
	return inject.Plan{
		URL:   rawURL,
		Start: []inject.Injection{{Script: "first", Code: "first();"}},
		End:   []inject.Injection{{Script: "last", Code: "last();"}},
	}
}

func (p *recordingPlanner) Startup() []inject.Injection {
	return p.startup
}

type evaluation struct {
	url     string
	scripts []string
}

// recorder replaces the browser side of a watcher.
type recorder struct {
	mu          sync.Mutex
	evaluations []evaluation
	registered  map[target.ID][]string
}

func newTestWatcher(p Planner) (*Watcher, *recorder) {
	w := NewWatcher(p, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	rec := &recorder{registered: map[target.ID][]string{}}
	w.evaluate = func(ctx context.Context, url string, injections []inject.Injection) error {
		if _, ok := ctx.Deadline(); !ok {
			panic("evaluation without deadline")
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.evaluations = append(rec.evaluations, evaluation{url: url, scripts: names(injections)})
		return nil
	}
	w.addScripts = func(_ context.Context, s *session, scripts []inject.Injection) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.registered[s.targetID] = names(scripts)
	}
	return w, rec
}

func names(list []inject.Injection) []string {
	out := make([]string, 0, len(list))
	for _, inj := range list {
		out = append(out, inj.Script)
	}
	return out
}

func (r *recorder) urls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.evaluations))
	for _, e := range r.evaluations {
		out = append(out, e.url)
	}
	return out
}

func testSession(id target.ID) *session {
	return &session{targetID: id, ctx: context.Background(), cancel: func() {}}
}

func TestNewWatcher_Options(t *testing.T) {
	w := NewWatcher(&recordingPlanner{})
	assert.Equal(t, defaultReconnectInterval, w.reconnect)
	assert.Equal(t, defaultEvalTimeout, w.timeout)

	w = NewWatcher(&recordingPlanner{}, WithReconnectInterval(time.Minute), WithEvalTimeout(time.Second), WithEvalTimeout(0))
	assert.Equal(t, time.Minute, w.reconnect)
	assert.Equal(t, time.Second, w.timeout)
}

func TestOnNavigated_EveryDocument(t *testing.T) {
	p := &recordingPlanner{}
	w, rec := newTestWatcher(p)
	s := testSession("t1")

	frame := &cdp.Frame{ID: "t1", URL: "https://example.com/"}
	w.onNavigated(s, frame)
	// A reload commits a new document at the same URL.
	w.onNavigated(s, frame)
	w.onNavigated(s, &cdp.Frame{ID: "t1", URL: "https://example.com/", URLFragment: "#top"})
	// Child frames are not planned.
	w.onNavigated(s, &cdp.Frame{ID: "child", ParentID: "t1", URL: "https://ads.example/"})
	w.onNavigated(s, nil)

	want := []string{"https://example.com/", "https://example.com/", "https://example.com/#top"}
	assert.Equal(t, want, p.urls)
	assert.Equal(t, want, rec.urls())
	require.Len(t, rec.evaluations, 3)
	assert.Equal(t, []string{"first", "last"}, rec.evaluations[0].scripts)
}

func TestOnNavigated_EmptyPlan(t *testing.T) {
	p := &recordingPlanner{empty: true}
	w, rec := newTestWatcher(p)

	w.onNavigated(testSession("t1"), &cdp.Frame{ID: "t1", URL: "chrome://newtab/"})
	assert.Equal(t, []string{"chrome://newtab/"}, p.urls)
	assert.Empty(t, rec.urls())
}

func TestIsMainFrame(t *testing.T) {
	s := testSession("frame-target")
	assert.True(t, isMainFrame(s, &cdp.Frame{ID: "other"}))
	assert.True(t, isMainFrame(s, &cdp.Frame{ID: "frame-target", ParentID: "parent"}))
	assert.False(t, isMainFrame(s, &cdp.Frame{ID: "child", ParentID: "frame-target"}))
	assert.False(t, isMainFrame(s, nil))
}

func TestApply(t *testing.T) {
	w, rec := newTestWatcher(&recordingPlanner{})
	plan := inject.Plan{
		Start: []inject.Injection{{Script: "a"}, {Script: "b"}},
		End:   []inject.Injection{{Script: "c"}},
	}
	require.NoError(t, w.Apply(context.Background(), &target.Info{URL: "https://x/"}, plan))
	require.Len(t, rec.evaluations, 1)
	assert.Equal(t, evaluation{url: "https://x/", scripts: []string{"a", "b", "c"}}, rec.evaluations[0])
}

func TestRefresh_RegistersStartGroup(t *testing.T) {
	p := &recordingPlanner{startup: []inject.Injection{{Script: "early"}}}
	w, rec := newTestWatcher(p)
	w.sessions["t1"] = testSession("t1")
	w.sessions["t2"] = testSession("t2")

	w.Refresh()
	assert.Equal(t, map[target.ID][]string{"t1": {"early"}, "t2": {"early"}}, rec.registered)

	p.startup = nil
	w.Refresh()
	assert.Equal(t, map[target.ID][]string{"t1": {}, "t2": {}}, rec.registered)
}

func TestCloseSession(t *testing.T) {
	w, _ := newTestWatcher(&recordingPlanner{})
	var cancelled int
	s := testSession("t1")
	s.cancel = func() { cancelled++ }
	w.sessions["t1"] = s
	w.sessions["t2"] = testSession("t2")

	w.closeSession("t1")
	w.closeSession("t1")
	assert.Equal(t, 1, cancelled)
	assert.NotContains(t, w.sessions, target.ID("t1"))

	w.closeAll()
	assert.Empty(t, w.sessions)
}

func TestIsPage(t *testing.T) {
	assert.True(t, isPage(&target.Info{Type: "page"}))
	assert.True(t, isPage(&target.Info{Type: "iframe"}))
	assert.False(t, isPage(&target.Info{Type: "browser"}))
	assert.False(t, isPage(&target.Info{Type: "worker"}))
}
