package aggregate

import (
	"sort"
	"strings"

	"github.com/opensai/secop-query/pkg/socrata"
)

// taggedRow is a source row carrying its origin label through the merge.
type taggedRow struct {
	socrata.Row
	Source string
}

// mergeRows orders rows from all sources into one globally consistent
// sequence: signature date descending, then the Socrata row ordinal
// descending as a stable tie-break. Both keys are ISO-shaped strings, so
// lexicographic comparison matches chronological order. Neither source needs
// to know about the other; the order is imposed here.
func mergeRows(rows []taggedRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].SignedAt != rows[j].SignedAt {
			return rows[i].SignedAt > rows[j].SignedAt
		}
		return rows[i].RowID > rows[j].RowID
	})
}

// slicePage cuts the requested page out of the merged sequence.
func slicePage(rows []taggedRow, page, pageSize int) []taggedRow {
	start := (page - 1) * pageSize
	if start >= len(rows) {
		return nil
	}
	end := start + pageSize
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end]
}

// pageCount derives the number of navigable pages from the capped total.
func pageCount(cappedTotal, pageSize int) int {
	if cappedTotal <= 0 {
		return 0
	}
	return (cappedTotal + pageSize - 1) / pageSize
}

// clampPage forces the requested page into [1, totalPages].
func clampPage(page, totalPages int) int {
	if totalPages < 1 {
		return 1
	}
	if page < 1 {
		return 1
	}
	if page > totalPages {
		return totalPages
	}
	return page
}

// toResultRow converts a merged row to its presentation-facing shape: the
// amount parsed to a number and the signature timestamp trimmed to its date.
func toResultRow(row taggedRow) ResultRow {
	date := row.SignedAt
	if idx := strings.IndexByte(date, 'T'); idx >= 0 {
		date = date[:idx]
	}
	return ResultRow{
		Source:     row.Source,
		ContractID: row.ContractID,
		Entity:     row.Entity,
		Subject:    row.Subject,
		Amount:     socrata.ParseAmount(row.Amount),
		Contractor: row.Contractor,
		SignedAt:   date,
		URL:        row.URL,
	}
}
