// Package install downloads userscripts and their dependencies and adds
// them to a registry.
package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/binzume/userscript-watch/internal/registry"
	"github.com/binzume/userscript-watch/internal/userscript"
)

const maxDownloadSize = 8 << 20

// ErrFetch is returned when a script or dependency cannot be downloaded.
var ErrFetch = errors.New("fetch failed")

// FetchError describes a failed download.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrFetch).
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Option configures an Installer.
type Option func(*Installer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Installer) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithNotifier sets where install outcomes are reported.
func WithNotifier(n Notifier) Option {
	return func(i *Installer) {
		if n != nil {
			i.notifier = n
		}
	}
}

// WithHTTPClient replaces the download client.
func WithHTTPClient(c *retryablehttp.Client) Option {
	return func(i *Installer) {
		if c != nil {
			i.client = c
		}
	}
}

// Installer adds scripts to a registry.
type Installer struct {
	registry *registry.Registry
	client   *retryablehttp.Client
	notifier Notifier
	logger   *slog.Logger
}

// New returns an installer for reg.
func New(reg *registry.Registry, opts ...Option) *Installer {
	i := &Installer{
		registry: reg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.notifier == nil {
		i.notifier = LogNotifier{Logger: i.logger}
	}
	if i.client == nil {
		c := retryablehttp.NewClient()
		c.RetryMax = 3
		c.RetryWaitMin = 500 * time.Millisecond
		c.RetryWaitMax = 5 * time.Second
		c.Logger = i.logger
		i.client = c
	}
	return i
}

// Install downloads the script at scriptURL and registers it.
func (i *Installer) Install(ctx context.Context, scriptURL string) (*userscript.Script, error) {
	data, err := i.fetch(ctx, scriptURL)
	if err != nil {
		return nil, i.fail(err)
	}
	return i.install(ctx, string(data), fileNameFromURL(scriptURL))
}

// InstallFile copies a local script into the scripts directory and registers it.
func (i *Installer) InstallFile(ctx context.Context, src string) (*userscript.Script, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, i.fail(&userscript.ReadError{File: src, Err: err})
	}
	return i.install(ctx, string(data), sanitizeFileName(filepath.Base(src)))
}

func (i *Installer) install(ctx context.Context, contents, fileName string) (*userscript.Script, error) {
	dest := uniquePath(i.registry.ScriptsDir(), fileName)
	script, err := userscript.Parse(contents, dest)
	if err != nil {
		return nil, i.fail(err)
	}

	existing, found := i.registry.Script(script.FullName())
	if found && !isNewer(script.Version, existing.Version) {
		return nil, i.fail(&registry.DuplicateError{FullName: script.FullName()})
	}

	for _, dep := range script.Requires {
		if err := i.cacheRequire(ctx, dep); err != nil {
			i.logger.Warn("cannot cache require", "script", script.FullName(), "url", dep, "error", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return nil, i.fail(fmt.Errorf("failed to create scripts directory: %w", err))
	}
	if err := os.WriteFile(dest, []byte(contents), 0o600); err != nil {
		return nil, i.fail(fmt.Errorf("failed to write script: %w", err))
	}

	if found {
		if !existing.Enabled() {
			script.SetEnabled(false)
		}
		if err := i.registry.RemoveScript(existing); err != nil && !errors.Is(err, registry.ErrScriptNotFound) {
			_ = os.Remove(dest)
			return nil, i.fail(err)
		}
		i.logger.Info("replacing script", "script", script.FullName(), "from", existing.Version, "to", script.Version)
	}
	if err := i.registry.AddScript(script); err != nil {
		_ = os.Remove(dest)
		return nil, i.fail(err)
	}

	i.notifier.Installed(script.Name)
	return script, nil
}

func (i *Installer) fail(err error) error {
	i.logger.Warn("install failed", "error", err)
	i.notifier.InstallFailed()
	return err
}

func (i *Installer) cacheRequire(ctx context.Context, dep string) error {
	index := i.registry.Requires()
	if _, ok := index.Lookup(dep); ok {
		return nil
	}
	data, err := i.fetch(ctx, dep)
	if err != nil {
		return err
	}
	dest := uniquePath(i.registry.RequiresDir(), fileNameFromURL(dep))
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o600); err != nil {
		return fmt.Errorf("failed to write require: %w", err)
	}
	return index.Put(dep, dest)
}

func (i *Installer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: rawURL, Status: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Status: resp.StatusCode, Err: err}
	}
	return data, nil
}

// isNewer reports whether candidate is a strictly greater version than
// installed. Versions that are not semver never replace anything.
func isNewer(candidate, installed string) bool {
	c, err := semver.NewVersion(candidate)
	if err != nil {
		return false
	}
	if installed == "" {
		return true
	}
	v, err := semver.NewVersion(installed)
	if err != nil {
		return false
	}
	return c.GreaterThan(v)
}

func fileNameFromURL(rawURL string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	return sanitizeFileName(name)
}

func sanitizeFileName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "_" {
		name = "script"
	}
	if !strings.HasSuffix(name, ".js") {
		name += ".js"
	}
	return name
}

func splitExt(name string) (stem, ext string) {
	for _, e := range []string{".user.js", ".js"} {
		if strings.HasSuffix(name, e) {
			return strings.TrimSuffix(name, e), e
		}
	}
	return name, ""
}

// uniquePath returns dir/name, or dir/name-N.ext when that is taken.
func uniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	stem, ext := splitExt(name)
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
		candidate = filepath.Join(dir, stem+"-"+strconv.Itoa(n)+ext)
	}
}
