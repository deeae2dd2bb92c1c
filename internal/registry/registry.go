// Package registry owns the set of installed userscripts, their enabled
// state, and the on-disk layout they live in.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/binzume/userscript-watch/internal/userscript"
)

const (
	scriptsDirName   = "scripts"
	requiresDirName  = "requires"
	requireIndexName = "requires.yaml"
	stateFileName    = "extensions.yaml"
	scriptPattern    = "*.js"
)

// ChangeKind tells observers what happened to the script set.
type ChangeKind int

const (
	// Added is sent after AddScript.
	Added ChangeKind = iota
	// Removed is sent after RemoveScript.
	Removed
	// Reloaded is sent after Load replaced the whole set.
	Reloaded
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Reloaded:
		return "reloaded"
	}
	return "unknown"
}

// Change is delivered to subscribers when the script set changes.
// Script is nil for Reloaded.
type Change struct {
	Kind   ChangeKind
	Script *userscript.Script
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithStateStore replaces the YAML disabled-state store.
func WithStateStore(s StateStore) Option {
	return func(r *Registry) {
		if s != nil {
			r.store = s
		}
	}
}

// Registry holds every known script, split by run-at timing. Mutations take
// the write lock; plan production only reads.
type Registry struct {
	root     string
	store    StateStore
	requires *RequireIndex
	logger   *slog.Logger

	mu       sync.RWMutex
	start    []*userscript.Script
	end      []*userscript.Script
	disabled map[string]struct{}
	// persisted is the sorted disabled list as last read from or written
	// to the store.
	persisted []string

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

// New creates a registry rooted at root. Scripts live in <root>/scripts and
// cached dependencies in <root>/scripts/requires. Call Load to scan them.
func New(root string, opts ...Option) *Registry {
	r := &Registry{
		root:      root,
		logger:    slog.Default(),
		disabled:  map[string]struct{}{},
		observers: map[int]func(Change){},
	}
	r.store = NewFileStateStore(filepath.Join(root, stateFileName))
	r.requires = NewRequireIndex(filepath.Join(r.RequiresDir(), requireIndexName))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ScriptsDir is the directory scanned for scripts.
func (r *Registry) ScriptsDir() string {
	return filepath.Join(r.root, scriptsDirName)
}

// RequiresDir holds cached @require dependencies.
func (r *Registry) RequiresDir() string {
	return filepath.Join(r.ScriptsDir(), requiresDirName)
}

// StatePath returns the file holding the disabled names, or "" when the
// state store is not file based.
func (r *Registry) StatePath() string {
	if fs, ok := r.store.(*FileStateStore); ok {
		return fs.Path()
	}
	return ""
}

// Requires returns the dependency cache index.
func (r *Registry) Requires() *RequireIndex {
	return r.requires
}

// Load scans the scripts directory and replaces the current script set.
// Unreadable or malformed files are skipped with a warning.
func (r *Registry) Load() error {
	dir := r.ScriptsDir()
	if err := os.MkdirAll(r.RequiresDir(), 0o750); err != nil {
		return fmt.Errorf("failed to create scripts directory: %w", err)
	}

	names, err := doublestar.Glob(os.DirFS(dir), scriptPattern, doublestar.WithFilesOnly())
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	if err := r.requires.reload(); err != nil {
		r.logger.Warn("cannot load requires index", "error", err)
	}

	r.mu.Lock()
	persisted, err := r.store.Load()
	if err != nil {
		r.logger.Warn("cannot restore disabled scripts", "error", err)
	}
	disabled := nameSet(persisted)

	var start, end []*userscript.Script
	present := map[string]struct{}{}
	failed := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		script, err := userscript.ParseFile(path)
		if err != nil {
			r.logger.Warn("skipping script", "file", path, "error", err)
			failed++
			continue
		}
		fullName := script.FullName()
		if _, dup := present[fullName]; dup {
			r.logger.Warn("skipping duplicate script", "file", path, "script", fullName)
			continue
		}
		present[fullName] = struct{}{}

		if _, ok := disabled[fullName]; ok {
			script.SetEnabled(false)
		}
		if script.RunAt == userscript.DocumentStart {
			start = append(start, script)
		} else {
			end = append(end, script)
		}
	}
	// A file that failed to parse may be a disabled script being edited, so
	// names are only dropped after a clean scan.
	if failed == 0 {
		for name := range disabled {
			if _, ok := present[name]; !ok {
				delete(disabled, name)
			}
		}
	}

	r.start, r.end, r.disabled = start, end, disabled
	r.persisted = sortedKeys(nameSet(persisted))
	r.mu.Unlock()

	r.logger.Debug("scripts loaded", "dir", dir, "start", len(start), "end", len(end), "disabled", len(disabled))
	r.emit(Change{Kind: Reloaded})
	return nil
}

// AllScripts returns document-start scripts followed by document-end scripts.
func (r *Registry) AllScripts() []*userscript.Script {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*userscript.Script, 0, len(r.start)+len(r.end))
	list = append(list, r.start...)
	list = append(list, r.end...)
	return list
}

// EnabledScripts returns the enabled scripts of each timing group in order.
func (r *Registry) EnabledScripts() (start, end []*userscript.Script) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return enabledOnly(r.start), enabledOnly(r.end)
}

func enabledOnly(list []*userscript.Script) []*userscript.Script {
	out := make([]*userscript.Script, 0, len(list))
	for _, s := range list {
		if s.Enabled() {
			out = append(out, s)
		}
	}
	return out
}

// ContainsScript reports whether a script with this full name is registered.
func (r *Registry) ContainsScript(fullName string) bool {
	_, ok := r.Script(fullName)
	return ok
}

// Script looks a script up by full name.
func (r *Registry) Script(fullName string) (*userscript.Script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(fullName)
}

func (r *Registry) lookup(fullName string) (*userscript.Script, bool) {
	for _, s := range r.start {
		if s.FullName() == fullName {
			return s, true
		}
	}
	for _, s := range r.end {
		if s.FullName() == fullName {
			return s, true
		}
	}
	return nil, false
}

// AddScript registers a parsed script. Scripts whose full name is already
// taken are rejected with a *DuplicateError.
func (r *Registry) AddScript(script *userscript.Script) error {
	if script == nil || script.FullName() == "" {
		return ErrInvalidScript
	}

	r.mu.Lock()
	fullName := script.FullName()
	if _, exists := r.lookup(fullName); exists {
		r.mu.Unlock()
		return &DuplicateError{FullName: fullName}
	}
	if script.RunAt == userscript.DocumentStart {
		r.start = append(r.start, script)
	} else {
		r.end = append(r.end, script)
	}
	if !script.Enabled() {
		r.disabled[fullName] = struct{}{}
		r.saveLocked()
	}
	r.mu.Unlock()

	r.emit(Change{Kind: Added, Script: script})
	return nil
}

// RemoveScript unregisters the script, forgets its disabled state and
// deletes its backing file. Removing the same script twice fails with
// ErrScriptNotFound.
func (r *Registry) RemoveScript(script *userscript.Script) error {
	if script == nil {
		return ErrInvalidScript
	}

	r.mu.Lock()
	var removed bool
	if script.RunAt == userscript.DocumentStart {
		r.start, removed = without(r.start, script)
	} else {
		r.end, removed = without(r.end, script)
	}
	if !removed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrScriptNotFound, script.FullName())
	}
	if _, ok := r.disabled[script.FullName()]; ok {
		delete(r.disabled, script.FullName())
		r.saveLocked()
	}
	r.mu.Unlock()

	if script.FileName != "" {
		if err := os.Remove(script.FileName); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("cannot delete script file", "file", script.FileName, "error", err)
		}
	}

	r.emit(Change{Kind: Removed, Script: script})
	return nil
}

func without(list []*userscript.Script, script *userscript.Script) ([]*userscript.Script, bool) {
	for i, s := range list {
		if s == script {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

// EnableScript marks a registered script enabled and persists the change.
func (r *Registry) EnableScript(script *userscript.Script) error {
	return r.setEnabled(script, true)
}

// DisableScript marks a registered script disabled and persists the change.
func (r *Registry) DisableScript(script *userscript.Script) error {
	return r.setEnabled(script, false)
}

func (r *Registry) setEnabled(script *userscript.Script, enabled bool) error {
	if script == nil {
		return ErrInvalidScript
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.lookup(script.FullName()); !ok || s != script {
		return fmt.Errorf("%w: %s", ErrScriptNotFound, script.FullName())
	}
	script.SetEnabled(enabled)

	fullName := script.FullName()
	_, wasDisabled := r.disabled[fullName]
	if enabled == !wasDisabled {
		return nil
	}
	if enabled {
		delete(r.disabled, fullName)
	} else {
		r.disabled[fullName] = struct{}{}
	}
	r.saveLocked()
	return nil
}

// DisabledNames returns the sorted full names of disabled scripts.
func (r *Registry) DisabledNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabledNamesLocked()
}

func (r *Registry) disabledNamesLocked() []string {
	return sortedKeys(r.disabled)
}

// SaveState persists the disabled script names. Nothing is written when
// they match what the store last held.
func (r *Registry) SaveState() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked()
}

// saveLocked persists after an implicit change; failures are only logged
// since the in-memory state stays authoritative for this run.
func (r *Registry) saveLocked() {
	if err := r.persistLocked(); err != nil {
		r.logger.Warn("cannot save disabled scripts", "error", err)
	}
}

// persistLocked writes only this registry's own changes since the last load
// or save on top of the stored list, so names another process stored in the
// meantime are kept and adopted.
func (r *Registry) persistLocked() error {
	current := r.disabledNamesLocked()
	if slices.Equal(current, r.persisted) {
		return nil
	}
	names := current
	if stored, err := r.store.Load(); err == nil {
		names = mergeDisabled(stored, r.persisted, current)
	}
	if err := r.store.Save(names); err != nil {
		return err
	}
	r.persisted = names
	r.applyDisabledLocked(names)
	return nil
}

// ReloadState re-reads the disabled names from the store and applies them to
// the registered scripts. Observers get a Reloaded change when the set moved.
func (r *Registry) ReloadState() error {
	r.mu.Lock()
	stored, err := r.store.Load()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to load disabled scripts: %w", err)
	}
	before := r.disabledNamesLocked()
	r.persisted = sortedKeys(nameSet(stored))
	r.applyDisabledLocked(r.persisted)
	after := r.disabledNamesLocked()
	r.mu.Unlock()

	if !slices.Equal(before, after) {
		r.logger.Debug("disabled scripts reloaded", "disabled", len(after))
		r.emit(Change{Kind: Reloaded})
	}
	return nil
}

func (r *Registry) applyDisabledLocked(names []string) {
	r.disabled = nameSet(names)
	for _, group := range [][]*userscript.Script{r.start, r.end} {
		for _, s := range group {
			_, off := r.disabled[s.FullName()]
			s.SetEnabled(!off)
		}
	}
}

// mergeDisabled applies the difference between base and current to stored.
func mergeDisabled(stored, base, current []string) []string {
	merged := nameSet(stored)
	baseSet, currentSet := nameSet(base), nameSet(current)
	for name := range currentSet {
		if _, ok := baseSet[name]; !ok {
			merged[name] = struct{}{}
		}
	}
	for name := range baseSet {
		if _, ok := currentSet[name]; !ok {
			delete(merged, name)
		}
	}
	return sortedKeys(merged)
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveRequires concatenates the cached contents of the given dependency
// URLs in order. URLs that are not cached are skipped.
func (r *Registry) ResolveRequires(urls []string) string {
	if len(urls) == 0 {
		return ""
	}

	var b strings.Builder
	for _, url := range urls {
		path, ok := r.requires.Lookup(url)
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("cannot read cached require", "url", url, "file", path, "error", err)
			continue
		}
		b.WriteString(strings.TrimSpace(string(data)))
		b.WriteByte('\n')
	}
	return b.String()
}

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn is called without registry locks held.
func (r *Registry) Subscribe(fn func(Change)) (unsubscribe func()) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()

	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		delete(r.observers, id)
	}
}

func (r *Registry) emit(c Change) {
	r.obsMu.Lock()
	ids := make([]int, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.observers[id])
	}
	r.obsMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Close saves the disabled state one last time.
func (r *Registry) Close() error {
	return r.SaveState()
}
