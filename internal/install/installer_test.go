package install

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binzume/userscript-watch/internal/registry"
)

type recordingNotifier struct {
	installed []string
	failed    int
}

func (n *recordingNotifier) Installed(name string) { n.installed = append(n.installed, name) }
func (n *recordingNotifier) InstallFailed()        { n.failed++ }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newInstaller(t *testing.T) (*Installer, *registry.Registry, *recordingNotifier) {
	t.Helper()
	reg := registry.New(t.TempDir(), registry.WithLogger(discard()))
	require.NoError(t, reg.Load())

	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil

	n := &recordingNotifier{}
	return New(reg, WithNotifier(n), WithHTTPClient(client), WithLogger(discard())), reg, n
}

func versioned(version string) string {
	return "// ==UserScript==\n// @name Foo\n// @namespace ns\n// @version " + version + "\n// ==/UserScript==\nfoo();\n"
}

func TestInstall(t *testing.T) {
	source := func(base string) string {
		return "// ==UserScript==\n// @name Foo\n// @match https://example.com/*\n" +
			"// @require " + base + "/lib.js\n" +
			"// @require " + base + "/missing.js\n" +
			"// ==/UserScript==\nalert(1);"
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/foo.user.js":
			_, _ = io.WriteString(w, source("http://"+r.Host))
		case "/lib.js":
			_, _ = io.WriteString(w, "  var lib = true;  ")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	src := source(srv.URL)

	inst, reg, n := newInstaller(t)
	script, err := inst.Install(context.Background(), srv.URL+"/foo.user.js")
	require.NoError(t, err)

	assert.Equal(t, "Foo", script.Name)
	assert.Equal(t, filepath.Join(reg.ScriptsDir(), "foo.user.js"), script.FileName)
	data, err := os.ReadFile(script.FileName)
	require.NoError(t, err)
	assert.Equal(t, src, string(data))

	assert.True(t, reg.ContainsScript("Foo"))
	assert.Equal(t, []string{"Foo"}, n.installed)
	assert.Zero(t, n.failed)
	assert.Equal(t, 1, reg.Requires().Len())
	assert.Equal(t, "var lib = true;\n", reg.ResolveRequires(script.Requires))
}

func TestInstall_FetchFailure(t *testing.T) {
	srv := newServer(t, map[string]string{})
	inst, reg, n := newInstaller(t)

	_, err := inst.Install(context.Background(), srv.URL+"/missing.user.js")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFetch))
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.Status)

	assert.Equal(t, 1, n.failed)
	assert.Empty(t, n.installed)
	assert.Empty(t, reg.AllScripts())
}

func TestInstall_VersionPolicy(t *testing.T) {
	dir := t.TempDir()
	write := func(name, src string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
		return path
	}
	inst, reg, n := newInstaller(t)
	ctx := context.Background()

	first, err := inst.InstallFile(ctx, write("foo.user.js", versioned("1.0.0")))
	require.NoError(t, err)
	require.NoError(t, reg.DisableScript(first))

	_, err = inst.InstallFile(ctx, write("same.user.js", versioned("1.0.0")))
	assert.ErrorIs(t, err, registry.ErrDuplicateScript)
	_, err = inst.InstallFile(ctx, write("older.user.js", versioned("0.9.0")))
	assert.ErrorIs(t, err, registry.ErrDuplicateScript)
	assert.Equal(t, 2, n.failed)

	updated, err := inst.InstallFile(ctx, write("foo.user.js", versioned("1.1.0")))
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", updated.Version)
	assert.False(t, updated.Enabled(), "disabled state carries over to the update")

	all := reg.AllScripts()
	require.Len(t, all, 1)
	assert.Same(t, updated, all[0])
	_, err = os.Stat(first.FileName)
	assert.True(t, os.IsNotExist(err), "old file is removed")
	_, err = os.Stat(updated.FileName)
	assert.NoError(t, err)
	assert.Equal(t, []string{"ns/Foo"}, reg.DisabledNames())
	assert.Equal(t, []string{"Foo", "Foo"}, n.installed)
}

func TestInstallFile_Errors(t *testing.T) {
	inst, reg, n := newInstaller(t)
	ctx := context.Background()

	_, err := inst.InstallFile(ctx, filepath.Join(t.TempDir(), "nope.js"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.js")
	require.NoError(t, os.WriteFile(bad, []byte("// ==UserScript==\n// @name bad\n"), 0o600))
	_, err = inst.InstallFile(ctx, bad)
	assert.Error(t, err)

	assert.Equal(t, 2, n.failed)
	assert.Empty(t, reg.AllScripts())
	entries, err := os.ReadDir(reg.ScriptsDir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.IsDir(), "no script file left behind: %s", e.Name())
	}
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		candidate, installed string
		want                 bool
	}{
		{"1.1.0", "1.0.0", true},
		{"2", "1.9", true},
		{"1.0.0", "1.0.0", false},
		{"0.9.0", "1.0.0", false},
		{"1.0.0", "", true},
		{"", "1.0.0", false},
		{"", "", false},
		{"banana", "1.0.0", false},
		{"1.0.0", "banana", false},
	}
	for _, tt := range tests {
		t.Run(tt.candidate+"_vs_"+tt.installed, func(t *testing.T) {
			assert.Equal(t, tt.want, isNewer(tt.candidate, tt.installed))
		})
	}
}

func TestFileNames(t *testing.T) {
	assert.Equal(t, "foo.user.js", fileNameFromURL("https://example.com/a/foo.user.js?x=1"))
	assert.Equal(t, "script.js", fileNameFromURL("https://example.com/"))
	assert.Equal(t, "lib.min.js", fileNameFromURL("https://cdn.example.com/lib.min.js"))
	assert.Equal(t, "download.js", fileNameFromURL("https://example.com/download"))
	assert.Equal(t, "my_script_.js", sanitizeFileName("my script!.js"))
	assert.Equal(t, "hidden.js", sanitizeFileName(".hidden.js"))

	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, "a.user.js"), uniquePath(dir, "a.user.js"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.user.js"), nil, 0o600))
	assert.Equal(t, filepath.Join(dir, "a-1.user.js"), uniquePath(dir, "a.user.js"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-1.user.js"), nil, 0o600))
	assert.Equal(t, filepath.Join(dir, "a-2.user.js"), uniquePath(dir, "a.user.js"))
}

func TestLogNotifier(t *testing.T) {
	n := LogNotifier{}
	n.Installed("x")
	n.InstallFailed()
	LogNotifier{Logger: discard()}.Installed("y")
}
