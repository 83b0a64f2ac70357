package aggregate

import (
	"testing"

	"github.com/opensai/secop-query/pkg/socrata"
)

func row(source, date, rowID string) taggedRow {
	return taggedRow{
		Row:    socrata.Row{SignedAt: date, RowID: rowID},
		Source: source,
	}
}

func TestMergeRows_GlobalDateOrder(t *testing.T) {
	rows := []taggedRow{
		row("SECOP I", "2024-03-01T00:00:00", "a1"),
		row("SECOP I", "2024-01-01T00:00:00", "a2"),
		row("SECOP II", "2024-02-01T00:00:00", "b1"),
	}

	mergeRows(rows)

	expected := []struct {
		date   string
		source string
	}{
		{"2024-03-01T00:00:00", "SECOP I"},
		{"2024-02-01T00:00:00", "SECOP II"},
		{"2024-01-01T00:00:00", "SECOP I"},
	}
	for i, want := range expected {
		if rows[i].SignedAt != want.date || rows[i].Source != want.source {
			t.Errorf("rows[%d] = (%s, %s), want (%s, %s)",
				i, rows[i].SignedAt, rows[i].Source, want.date, want.source)
		}
	}
}

func TestMergeRows_OrdinalTieBreak(t *testing.T) {
	rows := []taggedRow{
		row("SECOP I", "2024-02-01T00:00:00", "row-0001"),
		row("SECOP II", "2024-02-01T00:00:00", "row-0009"),
		row("SECOP I", "2024-02-01T00:00:00", "row-0005"),
	}

	mergeRows(rows)

	for i, want := range []string{"row-0009", "row-0005", "row-0001"} {
		if rows[i].RowID != want {
			t.Errorf("rows[%d].RowID = %s, want %s", i, rows[i].RowID, want)
		}
	}
}

func TestMergeRows_Deterministic(t *testing.T) {
	// The merged order must not depend on which source's rows arrived first.
	a := []taggedRow{
		row("SECOP I", "2024-03-01T00:00:00", "a1"),
		row("SECOP II", "2024-02-01T00:00:00", "b1"),
	}
	b := []taggedRow{
		row("SECOP II", "2024-02-01T00:00:00", "b1"),
		row("SECOP I", "2024-03-01T00:00:00", "a1"),
	}

	mergeRows(a)
	mergeRows(b)

	for i := range a {
		if a[i].RowID != b[i].RowID {
			t.Errorf("order differs at %d: %s vs %s", i, a[i].RowID, b[i].RowID)
		}
	}
}

func TestSlicePage(t *testing.T) {
	rows := make([]taggedRow, 0, 7)
	for i := 0; i < 7; i++ {
		rows = append(rows, row("SECOP I", "2024-01-01T00:00:00", string(rune('a'+i))))
	}

	tests := []struct {
		name     string
		page     int
		pageSize int
		expected int
	}{
		{"first full page", 1, 3, 3},
		{"middle page", 2, 3, 3},
		{"short last page", 3, 3, 1},
		{"past the end", 4, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := slicePage(rows, tt.page, tt.pageSize)
			if len(got) != tt.expected {
				t.Errorf("len = %d, want %d", len(got), tt.expected)
			}
		})
	}
}

func TestPageCount(t *testing.T) {
	tests := []struct {
		total    int
		pageSize int
		expected int
	}{
		{100, 50, 2},
		{101, 50, 3},
		{1, 50, 1},
		{0, 50, 0},
		{50, 50, 1},
	}

	for _, tt := range tests {
		if got := pageCount(tt.total, tt.pageSize); got != tt.expected {
			t.Errorf("pageCount(%d, %d) = %d, want %d", tt.total, tt.pageSize, got, tt.expected)
		}
	}
}

func TestClampPage(t *testing.T) {
	tests := []struct {
		page       int
		totalPages int
		expected   int
	}{
		{3, 2, 2},
		{1, 2, 1},
		{0, 2, 1},
		{-5, 2, 1},
		{2, 0, 1},
	}

	for _, tt := range tests {
		if got := clampPage(tt.page, tt.totalPages); got != tt.expected {
			t.Errorf("clampPage(%d, %d) = %d, want %d", tt.page, tt.totalPages, got, tt.expected)
		}
	}
}

func TestToResultRow(t *testing.T) {
	got := toResultRow(taggedRow{
		Row: socrata.Row{
			ContractID: "C-1",
			Amount:     "1500000.5",
			SignedAt:   "2024-03-01T00:00:00",
			URL:        "https://example.org/c/1",
		},
		Source: "SECOP II",
	})

	if got.Amount != 1500000.5 {
		t.Errorf("Amount = %v", got.Amount)
	}
	if got.SignedAt != "2024-03-01" {
		t.Errorf("SignedAt = %q, want date only", got.SignedAt)
	}
	if got.Source != "SECOP II" {
		t.Errorf("Source = %q", got.Source)
	}
}
