package console

import (
	"errors"
	"testing"
)

func TestParseRowSet(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		body     string
		wantCols []string
		wantRows int
		wantErr  error
	}{
		"single cell": {
			body:     "1\n---\n1\n(1 rows)",
			wantCols: []string{"1"},
			wantRows: 1,
		},
		"two columns no separator": {
			body:     "id | name\n1 | alice\n2 | bob\n(2 rows)",
			wantCols: []string{"id", "name"},
			wantRows: 2,
		},
		"zero rows": {
			body:     "id | name\n----+-----\n(0 rows)",
			wantCols: []string{"id", "name"},
			wantRows: 0,
		},
		"missing trailer": {
			body:    "id\n1",
			wantErr: ErrProtocol,
		},
		"count mismatch": {
			body:    "id\n1\n2\n(5 rows)",
			wantErr: ErrProtocol,
		},
		"ragged row": {
			body:    "id | name\n1\n(1 rows)",
			wantErr: ErrProtocol,
		},
		"empty body": {
			body:    "",
			wantErr: ErrProtocol,
		},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			rs, err := parseRowSet(tc.body)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("parseRowSet() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRowSet() error: %v", err)
			}
			if len(rs.Columns) != len(tc.wantCols) {
				t.Fatalf("columns = %v, want %v", rs.Columns, tc.wantCols)
			}
			for i, c := range tc.wantCols {
				if rs.Columns[i] != c {
					t.Errorf("column %d = %q, want %q", i, rs.Columns[i], c)
				}
			}
			if rs.Len() != tc.wantRows {
				t.Errorf("rows = %d, want %d", rs.Len(), tc.wantRows)
			}
		})
	}
}

func TestRowSet_Value(t *testing.T) {
	t.Parallel()

	rs := RowSet{Columns: []string{"a", "b"}, Rows: [][]string{{"1", "2"}}}

	if v, ok := rs.Value(0, "b"); !ok || v != "2" {
		t.Errorf("Value(0, b) = %q, %v", v, ok)
	}
	if _, ok := rs.Value(0, "missing"); ok {
		t.Error("Value on missing column should report false")
	}
	if _, ok := rs.Value(3, "a"); ok {
		t.Error("Value on missing row should report false")
	}
}
