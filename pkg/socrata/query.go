package socrata

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// SearchMode selects how the contractor name is matched against the
// contractor column.
type SearchMode string

const (
	// SearchModeContains matches the term anywhere in the contractor name.
	SearchModeContains SearchMode = "contains"

	// SearchModeStartsWith matches contractor names beginning with the term.
	SearchModeStartsWith SearchMode = "starts_with"

	// SearchModeExactOrComposed matches the exact term or composed names that
	// include it next to common separators (space, hyphen, dot, comma, slash,
	// parenthesis). The separator list is a word-boundary approximation, not
	// a tokenizer; it is kept as configurable policy.
	SearchModeExactOrComposed SearchMode = "exact_or_composed"
)

// ParseSearchMode validates a configured mode, falling back to
// exact_or_composed for unknown values.
func ParseSearchMode(raw string) SearchMode {
	switch SearchMode(strings.ToLower(strings.TrimSpace(raw))) {
	case SearchModeContains:
		return SearchModeContains
	case SearchModeStartsWith:
		return SearchModeStartsWith
	default:
		return SearchModeExactOrComposed
	}
}

// composedPatterns are the neighbor templates probed by exact_or_composed,
// applied to the escaped upper-cased term (%s).
var composedPatterns = []string{
	" %s ",
	" %s",
	"%s ",
	"%s-",
	"-%s",
	"%s.",
	".%s",
	"%s,",
	",%s",
	"(%s",
	"%s)",
	"%s/",
	"/%s",
}

var allowedInputPattern = regexp.MustCompile(`[^a-zA-Z0-9\sñÑáéíóúÁÉÍÓÚ\.]`)

// CleanInput strips every character outside the accepted subset (letters,
// digits, whitespace, dots and Spanish accented vowels) and trims the result.
// The query builders trust that contractor terms have passed through here.
func CleanInput(text string) string {
	if text == "" {
		return ""
	}
	return strings.TrimSpace(allowedInputPattern.ReplaceAllString(text, ""))
}

// EscapeString doubles single quotes for safe inclusion in a SoQL literal.
func EscapeString(text string) string {
	return strings.ReplaceAll(text, "'", "''")
}

// RemoveAccents folds accented characters to their base form for
// accent-insensitive lookups.
func RemoveAccents(text string) string {
	decomposed := norm.NFKD.String(text)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// QuerySpec carries the matching policy applied to every built query.
type QuerySpec struct {
	Mode SearchMode

	// Unaccent wraps the contractor column in unaccent() and folds the search
	// term, making the match accent-insensitive.
	Unaccent bool
}

// BuildWhereClause creates a SARGable filter restricting rows to the given
// year's date range and to contractor names matching the term under the
// configured policy.
func BuildWhereClause(cols Columns, contractor string, year int, spec QuerySpec) string {
	startDate := fmt.Sprintf("%d-01-01T00:00:00", year)
	endDate := fmt.Sprintf("%d-12-31T23:59:59", year)

	var term, fieldExpr string
	if spec.Unaccent {
		term = strings.ToUpper(RemoveAccents(contractor))
		fieldExpr = fmt.Sprintf("upper(unaccent(%s))", cols.Contractor)
	} else {
		term = strings.ToUpper(contractor)
		fieldExpr = fmt.Sprintf("upper(%s)", cols.Contractor)
	}
	safe := EscapeString(term)

	var searchExpr string
	switch spec.Mode {
	case SearchModeStartsWith:
		searchExpr = fmt.Sprintf("starts_with(%s, '%s')", fieldExpr, safe)
	case SearchModeContains:
		searchExpr = fmt.Sprintf("contains(%s, '%s')", fieldExpr, safe)
	default:
		parts := make([]string, 0, len(composedPatterns)+2)
		parts = append(parts, fmt.Sprintf("%s = '%s'", fieldExpr, safe))
		parts = append(parts, fmt.Sprintf("starts_with(%s, '%s ')", fieldExpr, safe))
		for _, pattern := range composedPatterns {
			needle := fmt.Sprintf(pattern, safe)
			parts = append(parts, fmt.Sprintf("contains(%s, '%s')", fieldExpr, needle))
		}
		searchExpr = strings.Join(parts, " OR ")
	}

	return fmt.Sprintf("%s BETWEEN '%s' AND '%s' AND (%s)",
		cols.SignedAt, startDate, endDate, searchExpr)
}

// BuildRowsParams builds the SoQL parameters for a row query: aliased select
// over the seven shared fields plus the stable row ordinal, the filter, a row
// cap and the deterministic (date desc, ordinal desc) order. nestedURL selects
// the `.url` subfield of the document column; some datasets store a plain
// string instead and reject the nested syntax with a 400.
func BuildRowsParams(cols Columns, whereClause string, limit int, nestedURL bool) url.Values {
	urlExpr := cols.DocumentURL
	if nestedURL {
		urlExpr = cols.DocumentURL + ".url"
	}
	if limit < 1 {
		limit = 1
	}
	selectFields := []string{
		cols.ContractID + " as id_contrato",
		cols.Entity + " as entidad",
		cols.Subject + " as objeto",
		cols.Amount + " as valor",
		cols.Contractor + " as contratista",
		cols.SignedAt + " as fecha",
		urlExpr + " as url",
		":id as row_id",
	}
	return url.Values{
		"$select": {strings.Join(selectFields, ",")},
		"$where":  {whereClause},
		"$limit":  {fmt.Sprintf("%d", limit)},
		"$order":  {fmt.Sprintf("%s DESC, :id DESC", cols.SignedAt)},
	}
}

// BuildCountParams builds the count-only variant of a query: a single
// aggregate row carrying the matching row total.
func BuildCountParams(whereClause string) url.Values {
	return url.Values{
		"$select": {"count(*) as total"},
		"$where":  {whereClause},
		"$limit":  {"1"},
	}
}

// BuildProbeParams builds the minimal reachability probe: one row id from a
// known dataset.
func BuildProbeParams() url.Values {
	return url.Values{
		"$select": {":id"},
		"$limit":  {"1"},
	}
}
