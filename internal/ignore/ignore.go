// Package ignore reads gitignore-style pattern files used to exclude files
// from directory ingestion.
package ignore

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFiles are the pattern files looked up in a watched directory.
var DefaultFiles = []string{".recallignore", ".gitignore"}

// Matcher reports whether a file name is excluded by any loaded pattern.
// Patterns match the base name only; directory patterns are ignored.
type Matcher struct {
	patterns []string
}

// Load reads every pattern file that exists in dir. Missing files are
// skipped; a directory without any yields a matcher that excludes nothing.
func Load(dir string, files ...string) (*Matcher, error) {
	if len(files) == 0 {
		files = DefaultFiles
	}
	m := &Matcher{}
	seen := make(map[string]bool)
	for _, name := range files {
		patterns, err := parseFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, p := range patterns {
			if !seen[p] {
				seen[p] = true
				m.patterns = append(m.patterns, p)
			}
		}
	}
	return m, nil
}

// New builds a matcher from literal pattern lines.
func New(lines ...string) *Matcher {
	m := &Matcher{}
	for _, line := range lines {
		if p := parseLine(line); p != "" {
			m.patterns = append(m.patterns, p)
		}
	}
	return m
}

// Patterns returns the loaded patterns in file order.
func (m *Matcher) Patterns() []string {
	return m.patterns
}

// Match reports whether path's base name matches a pattern. Pattern files
// themselves always match.
func (m *Matcher) Match(path string) bool {
	if m == nil {
		return false
	}
	base := filepath.Base(path)
	for _, name := range DefaultFiles {
		if base == name {
			return true
		}
	}
	for _, p := range m.patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if p := parseLine(scanner.Text()); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns, scanner.Err()
}

// parseLine returns the file pattern on a line, or "" for blanks, comments,
// negations, directory-only and nested-path patterns.
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	if strings.HasSuffix(line, "/") {
		return ""
	}
	line = strings.TrimPrefix(line, "/")
	line = strings.TrimPrefix(line, "**/")
	if strings.Contains(line, "/") {
		return ""
	}
	if _, err := filepath.Match(line, ""); err != nil {
		return ""
	}
	return line
}
