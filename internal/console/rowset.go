package console

import (
	"fmt"
	"regexp"
	"strings"
)

// RowSet is the normalized result of a console query: named columns and
// string-valued rows in response order.
type RowSet struct {
	Columns []string
	Rows    [][]string
}

// Len returns the number of rows.
func (rs RowSet) Len() int {
	return len(rs.Rows)
}

// Value returns the cell at (row, column name), or "" with false when the
// row or column does not exist.
func (rs RowSet) Value(row int, column string) (string, bool) {
	if row < 0 || row >= len(rs.Rows) {
		return "", false
	}
	for i, c := range rs.Columns {
		if c == column && i < len(rs.Rows[row]) {
			return rs.Rows[row][i], true
		}
	}
	return "", false
}

// rowCountRe matches the trailer line closing every query response,
// e.g. "(2 rows)".
var rowCountRe = regexp.MustCompile(`^\((\d+) rows?\)$`)

// separatorRe matches the ruling between header and data rows.
var separatorRe = regexp.MustCompile(`^[-+]+$`)

// parseRowSet decodes the console's tabular rendering:
//
//	id | name
//	---+-----
//	1  | foo
//	(1 rows)
func parseRowSet(body string) (RowSet, error) {
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		if t := strings.TrimRight(line, "\r"); strings.TrimSpace(t) != "" {
			lines = append(lines, t)
		}
	}
	if len(lines) < 2 {
		return RowSet{}, fmt.Errorf("%w: expected header and row-count trailer, got %d lines", ErrProtocol, len(lines))
	}

	trailer := strings.TrimSpace(lines[len(lines)-1])
	m := rowCountRe.FindStringSubmatch(trailer)
	if m == nil {
		return RowSet{}, fmt.Errorf("%w: missing row-count trailer, got %q", ErrProtocol, trailer)
	}
	lines = lines[:len(lines)-1]

	rs := RowSet{Columns: splitCells(lines[0])}
	for _, line := range lines[1:] {
		if separatorRe.MatchString(strings.ReplaceAll(line, " ", "")) {
			continue
		}
		cells := splitCells(line)
		if len(cells) != len(rs.Columns) {
			return RowSet{}, fmt.Errorf("%w: row has %d cells, header has %d columns",
				ErrProtocol, len(cells), len(rs.Columns))
		}
		rs.Rows = append(rs.Rows, cells)
	}

	var want int
	if _, err := fmt.Sscanf(m[1], "%d", &want); err != nil {
		return RowSet{}, fmt.Errorf("%w: bad row count %q", ErrProtocol, m[1])
	}
	if want != len(rs.Rows) {
		return RowSet{}, fmt.Errorf("%w: trailer declares %d rows, parsed %d", ErrProtocol, want, len(rs.Rows))
	}
	return rs, nil
}

// splitCells splits a table line on the column separator and trims each
// cell.
func splitCells(line string) []string {
	parts := strings.Split(line, "|")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}
