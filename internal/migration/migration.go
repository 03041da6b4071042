package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/picotest/picotest/internal/sentinel"
)

// ErrBadFileName is returned when a migration file name does not follow
// the NNNN_name.sql convention.
const ErrBadFileName = sentinel.Error("invalid migration file name")

// Markers separating the up and down sections of a migration file.
const (
	upMarker   = "-- pico.UP"
	downMarker = "-- pico.DOWN"
)

// contextPrefix introduces a substitutable variable in migration text.
const contextPrefix = "@_plugin_config."

// tierPattern is the clause whose variable names the target tier of a
// DDL statement. Matched case-insensitively.
const tierPattern = "in tier " + contextPrefix

// Version orders migrations; it is the numeric prefix of the file name.
type Version uint32

// Statement is one unit of migration text: either a complete
// semicolon-terminated SQL statement or a standalone line comment.
type Statement struct {
	text string
}

// Text returns the statement text.
func (s Statement) Text() string { return s.text }

// IsComment reports whether the statement is a standalone line comment.
// Comments are kept so the up/down markers survive parsing; they are
// never sent to the console.
func (s Statement) IsComment() bool {
	return strings.HasPrefix(s.text, "--")
}

// TierVariables returns the names of the context variables selecting a
// DDL target tier in this statement ("... IN TIER @_plugin_config.x").
func (s Statement) TierVariables() []string {
	lower := strings.ToLower(s.text)
	var names []string
	for idx := 0; ; {
		rel := strings.Index(lower[idx:], tierPattern)
		if rel < 0 {
			return names
		}
		start := idx + rel + len(tierPattern)
		name := identifierPrefix(s.text[start:])
		if name != "" {
			names = append(names, name)
		}
		idx = start
	}
}

// identifierPrefix returns the longest leading run of identifier
// characters.
func identifierPrefix(s string) string {
	for i, r := range s {
		if !isIdentifierChar(r) {
			return s[:i]
		}
	}
	return s
}

func isIdentifierChar(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// Migration is one parsed migration file.
type Migration struct {
	Version Version
	Name    string

	statements []Statement
	upStart    int
	downStart  int
}

// Statements returns every parsed statement, comments included.
func (m Migration) Statements() []Statement { return m.statements }

// Up returns the statements of the upgrade section.
func (m Migration) Up() []Statement {
	return m.statements[m.upStart:m.downStart]
}

// Down returns the statements of the revert section.
func (m Migration) Down() []Statement {
	return m.statements[m.downStart:]
}

// Migrations is a version-ordered migration sequence.
type Migrations []Migration

// ParseFileName extracts the version and name from a migration file
// path, e.g. "0002_add_index.sql" yields (2, "add_index").
func ParseFileName(path string) (Version, string, error) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if !strings.EqualFold(ext, ".sql") {
		return 0, "", fmt.Errorf("%w: %s: want a .sql extension", ErrBadFileName, base)
	}
	stem := strings.TrimSuffix(base, ext)
	version, name, ok := strings.Cut(stem, "_")
	if !ok {
		return 0, "", fmt.Errorf("%w: %s: want NNNN_name.sql", ErrBadFileName, base)
	}
	v, err := strconv.ParseUint(version, 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s: bad version %q", ErrBadFileName, base, version)
	}
	return Version(v), name, nil
}

// ParseText splits migration text into statements. Empty lines vanish,
// standalone line comments become comment statements, and SQL lines
// accumulate until a line ends with a semicolon. A comment inside an
// unfinished statement is dropped.
func ParseText(text string) []Statement {
	var out []Statement
	var acc []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "--") {
			if len(acc) == 0 {
				out = append(out, Statement{text: line})
			}
			continue
		}
		acc = append(acc, line)
		if !strings.HasSuffix(line, ";") {
			continue
		}
		out = append(out, Statement{text: strings.Join(acc, " ")})
		acc = nil
	}
	return out
}

// ParseFile reads and parses one migration file.
func ParseFile(path string) (Migration, error) {
	version, name, err := ParseFileName(path)
	if err != nil {
		return Migration{}, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the caller's migrations dir
	if err != nil {
		return Migration{}, fmt.Errorf("read migration %s: %w", path, err)
	}

	statements := ParseText(string(data))
	m := Migration{
		Version:    version,
		Name:       name,
		statements: statements,
		downStart:  len(statements),
	}
	for idx, s := range statements {
		switch {
		case strings.HasPrefix(s.text, upMarker):
			m.upStart = idx
		case strings.HasPrefix(s.text, downMarker):
			m.downStart = idx
		}
	}
	if m.downStart < m.upStart {
		return Migration{}, fmt.Errorf("migration %s: down marker precedes up marker", path)
	}
	return m, nil
}

// ParseDir parses every migration file in dir and returns them sorted
// by version.
func ParseDir(dir string) (Migrations, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	migs := make(Migrations, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m, err := ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		migs = append(migs, m)
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	return migs, nil
}

// TierOverrides maps every tier context variable found in the
// migrations to the given target tier, re-homing each DDL statement.
func TierOverrides(migs Migrations, tier string) map[string]string {
	out := map[string]string{}
	for _, m := range migs {
		for _, s := range m.Statements() {
			for _, name := range s.TierVariables() {
				out[name] = tier
			}
		}
	}
	return out
}
