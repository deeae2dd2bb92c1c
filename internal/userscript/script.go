// Package userscript parses userscript metadata blocks and matches scripts
// against page URLs.
package userscript

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gobwas/glob"
)

// RunAt is the point in page construction at which a script runs.
type RunAt int

const (
	// DocumentEnd runs the script once the DOM content has loaded.
	DocumentEnd RunAt = iota
	// DocumentStart runs the script before the document is built.
	DocumentStart
)

func (r RunAt) String() string {
	if r == DocumentStart {
		return "document-start"
	}
	return "document-end"
}

// ParseRunAt converts an @run-at value. ok is false for unknown values.
func ParseRunAt(s string) (RunAt, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "document-start", "start":
		return DocumentStart, true
	case "document-end", "end", "document-idle", "idle":
		return DocumentEnd, true
	}
	return DocumentEnd, false
}

var (
	// ErrRead is returned when a script file cannot be read.
	ErrRead = errors.New("cannot read script")
	// ErrParse is returned when a metadata block is malformed.
	ErrParse = errors.New("malformed script")
)

// ReadError wraps the I/O error hit while reading a script file.
type ReadError struct {
	File string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("cannot read script %s: %v", e.File, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrRead).
func (e *ReadError) Is(target error) bool { return target == ErrRead }

// ParseError describes a malformed metadata block.
type ParseError struct {
	File   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed script %s:%d: %s", e.File, e.Line, e.Reason)
	}
	return fmt.Sprintf("malformed script %s: %s", e.File, e.Reason)
}

// Is allows errors.Is(err, ErrParse).
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Script is one parsed userscript. Everything except the enabled flag is
// fixed after parsing.
type Script struct {
	Name        string
	Namespace   string
	Description string
	Version     string
	Includes    []string
	Excludes    []string
	Requires    []string
	RunAt       RunAt

	// FileName is the absolute path of the backing source file.
	FileName string
	// Source is the raw script text, metadata block included.
	Source string

	includes []glob.Glob
	excludes []glob.Glob
	disabled atomic.Bool
}

// FullName identifies the script within a registry.
func (s *Script) FullName() string {
	if s.Namespace == "" {
		return s.Name
	}
	return s.Namespace + "/" + s.Name
}

// Enabled reports whether the script should be injected.
func (s *Script) Enabled() bool { return !s.disabled.Load() }

// SetEnabled flips the enabled flag. Callers owning a registry should go
// through the registry so the persisted state follows.
func (s *Script) SetEnabled(enabled bool) { s.disabled.Store(!enabled) }

func (s *Script) String() string {
	return fmt.Sprintf("%s (%s)", s.FullName(), s.RunAt)
}
