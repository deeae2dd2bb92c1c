package userscript

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

const (
	metadataStart = "==UserScript=="
	metadataEnd   = "==/UserScript=="
)

// ParseFile reads and parses the script at path. Read failures are reported
// as *ReadError, metadata problems as *ParseError.
func ParseFile(path string) (*Script, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &ReadError{File: path, Err: err}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, &ReadError{File: abs, Err: err}
	}
	return Parse(string(data), abs)
}

// Parse builds a Script from the text of a userscript. fileName is recorded
// as the backing file and provides the default name. A file without a
// metadata block is valid and runs everywhere at document end.
func Parse(contents, fileName string) (*Script, error) {
	script := &Script{
		Name:     baseName(fileName),
		FileName: fileName,
		Source:   contents,
		RunAt:    DocumentEnd,
	}

	scanner := bufio.NewScanner(strings.NewReader(contents))
	scanner.Buffer(make([]byte, 0, 1024), len(contents)+1)
	inBlock, closed := false, false
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "//") {
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(line, "//"))
		if !inBlock {
			if comment == metadataStart {
				inBlock = true
			}
			continue
		}
		if comment == metadataEnd {
			closed = true
			break
		}
		if err := script.setMeta(comment, lineNo); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ReadError{File: fileName, Err: err}
	}
	if inBlock && !closed {
		return nil, &ParseError{File: fileName, Reason: "unterminated " + metadataStart + " block"}
	}
	if script.Name == "" {
		return nil, &ParseError{File: fileName, Reason: "script has no name"}
	}
	return script, nil
}

func (s *Script) setMeta(comment string, lineNo int) error {
	if !strings.HasPrefix(comment, "@") {
		return nil
	}
	key, value := comment, ""
	if i := strings.IndexAny(comment, " \t"); i >= 0 {
		key, value = comment[:i], strings.TrimSpace(comment[i:])
	}
	if value == "" {
		return nil
	}

	switch key {
	case "@name":
		s.Name = value
	case "@namespace":
		s.Namespace = value
	case "@description":
		s.Description = value
	case "@version":
		s.Version = value
	case "@include", "@match":
		g, err := compilePattern(value)
		if err != nil {
			return &ParseError{File: s.FileName, Line: lineNo, Reason: "bad pattern " + value + ": " + err.Error()}
		}
		s.Includes = append(s.Includes, value)
		s.includes = append(s.includes, g)
	case "@exclude":
		g, err := compilePattern(value)
		if err != nil {
			return &ParseError{File: s.FileName, Line: lineNo, Reason: "bad pattern " + value + ": " + err.Error()}
		}
		s.Excludes = append(s.Excludes, value)
		s.excludes = append(s.excludes, g)
	case "@require":
		s.Requires = append(s.Requires, value)
	case "@run-at":
		if runAt, ok := ParseRunAt(value); ok {
			s.RunAt = runAt
		}
	}
	return nil
}

// compilePattern compiles a URL pattern in which '*' is the only wildcard.
// Everything else, including glob syntax such as '[' and '{', is literal.
func compilePattern(p string) (glob.Glob, error) {
	var b strings.Builder
	b.Grow(len(p) + 8)
	for _, r := range p {
		switch r {
		case '?', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return glob.Compile(b.String())
}

func baseName(fileName string) string {
	name := filepath.Base(fileName)
	for _, ext := range []string{".user.js", ".js"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}
