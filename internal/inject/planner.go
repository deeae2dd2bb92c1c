// Package inject decides which userscripts run on a page and wraps them for
// the page's execution environment.
package inject

import (
	_ "embed"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"

	"github.com/binzume/userscript-watch/internal/userscript"
)

//go:embed bootstrap.js
var defaultBootstrap string

// Source supplies the scripts a planner chooses from.
type Source interface {
	// EnabledScripts returns a consistent snapshot of both timing groups.
	EnabledScripts() (start, end []*userscript.Script)
	ResolveRequires(urls []string) string
}

// Injection is one block of code to evaluate in a page.
type Injection struct {
	Script string
	Code   string
}

// Plan is the set of injections for one navigation.
type Plan struct {
	URL   string
	Start []Injection
	End   []Injection
}

// Empty reports whether nothing needs to be injected.
func (p Plan) Empty() bool {
	return len(p.Start) == 0 && len(p.End) == 0
}

// Injections returns the start group followed by the end group.
func (p Plan) Injections() []Injection {
	list := make([]Injection, 0, len(p.Start)+len(p.End))
	list = append(list, p.Start...)
	return append(list, p.End...)
}

// Option configures a Planner.
type Option func(*Planner)

// WithBootstrap replaces the embedded support code prepended to every script.
func WithBootstrap(code string) Option {
	return func(p *Planner) { p.bootstrap = code }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

// Planner turns navigations into injection plans. It only reads from its
// source, so Plan may be called concurrently.
type Planner struct {
	source    Source
	bootstrap string
	logger    *slog.Logger
}

// NewPlanner returns a planner over source.
func NewPlanner(source Source, opts ...Option) *Planner {
	p := &Planner{
		source:    source,
		bootstrap: defaultBootstrap,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan computes the injections for a navigation to rawURL. URLs that fail to
// parse or use a scheme scripts may not run on yield an empty plan.
func (p *Planner) Plan(rawURL string) Plan {
	plan := Plan{URL: rawURL}
	u, err := url.Parse(rawURL)
	if err != nil || !userscript.CanRunOnScheme(u.Scheme) {
		return plan
	}
	encoded := u.String()

	start, end := p.source.EnabledScripts()
	for _, s := range start {
		if s.Match(encoded) {
			plan.Start = append(plan.Start, Injection{Script: s.FullName(), Code: RunOnce(s.FullName(), p.assemble(s))})
		}
	}
	for _, s := range end {
		if s.Match(encoded) {
			plan.End = append(plan.End, Injection{Script: s.FullName(), Code: DeferUntilLoaded(p.assemble(s))})
		}
	}

	p.logger.Debug("injection plan", "url", encoded, "start", len(plan.Start), "end", len(plan.End))
	return plan
}

// Startup returns the enabled start-group scripts for registration with a
// page before its documents are created. The URL is unknown at that point,
// so each carries its own pattern check. They share the run-once marker of
// Plan's start entries, so a document never runs a script twice.
func (p *Planner) Startup() []Injection {
	start, _ := p.source.EnabledScripts()
	list := make([]Injection, 0, len(start))
	for _, s := range start {
		code := RunOnce(s.FullName(), p.assemble(s))
		list = append(list, Injection{Script: s.FullName(), Code: GuardURL(s, code)})
	}
	return list
}

func (p *Planner) assemble(s *userscript.Script) string {
	return Assemble(p.bootstrap, p.source.ResolveRequires(s.Requires), s.Source)
}

// Assemble builds the evaluated text of one script: the bootstrap followed
// by the script's dependencies and body inside their own function scope.
func Assemble(bootstrap, requires, body string) string {
	var b strings.Builder
	b.Grow(len(bootstrap) + len(requires) + len(body) + 32)
	b.WriteString(bootstrap)
	if bootstrap != "" && !strings.HasSuffix(bootstrap, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("(function(){\n")
	b.WriteString(requires)
	b.WriteString(body)
	b.WriteString("\n})();")
	return b.String()
}

const deferTemplate = `(function(run){if(document.readyState==="loading"){` +
	`window.addEventListener("DOMContentLoaded",function(e){run();},false);` +
	`}else{run();}})(function(){ %s });`

// DeferUntilLoaded wraps code so it runs once DOMContentLoaded has fired.
func DeferUntilLoaded(code string) string {
	return strings.Replace(deferTemplate, "%s", code, 1)
}

const onceTemplate = `(function(key,run){if(window[key]){return;}window[key]=true;run();})({{KEY}},function(){
{{CODE}}
});`

// RunOnce wraps code so it runs at most once per document for the named
// script.
func RunOnce(name, code string) string {
	return strings.NewReplacer("{{KEY}}", jsString("__userscript:"+name), "{{CODE}}", code).Replace(onceTemplate)
}

const guardTemplate = `(function(run){var u=location.href;` +
	`if(!new RegExp({{SCHEMES}}).test(u)){return;}` +
	`function any(list){for(var i=0;i<list.length;i++){if(new RegExp(list[i]).test(u)){return true;}}return false;}` +
	`var inc={{INCLUDES}},exc={{EXCLUDES}};` +
	`if(any(exc)||(inc.length>0&&!any(inc))){return;}run();})(function(){
{{CODE}}
});`

// GuardURL wraps code so it only runs when the document's URL passes the
// same scheme and pattern checks Plan applies.
func GuardURL(s *userscript.Script, code string) string {
	schemes := "^(" + strings.Join(userscript.Schemes(), "|") + "):"
	return strings.NewReplacer(
		"{{SCHEMES}}", jsString(schemes),
		"{{INCLUDES}}", jsPatterns(s.Includes),
		"{{EXCLUDES}}", jsPatterns(s.Excludes),
		"{{CODE}}", code,
	).Replace(guardTemplate)
}

func jsPatterns(patterns []string) string {
	exprs := make([]string, 0, len(patterns))
	for _, p := range patterns {
		exprs = append(exprs, userscript.PatternExpr(p))
	}
	data, _ := json.Marshal(exprs)
	return string(data)
}

func jsString(v string) string {
	data, _ := json.Marshal(v)
	return string(data)
}
