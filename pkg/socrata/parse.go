package socrata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Row is one contract record in the shared schema, as returned by a row
// query. RowID is the Socrata-assigned `:id`, used as the stable tie-break
// ordinal when merging sources.
type Row struct {
	ContractID string `json:"id_contrato"`
	Entity     string `json:"entidad"`
	Subject    string `json:"objeto"`
	Amount     string `json:"valor"`
	Contractor string `json:"contratista"`
	SignedAt   string `json:"fecha"`
	URL        string `json:"url"`
	RowID      string `json:"row_id"`
}

// rawRow tolerates the two shapes the document-URL column comes back in:
// a plain string, or a nested object {"url": "...", "description": "..."}.
type rawRow struct {
	ContractID string          `json:"id_contrato"`
	Entity     string          `json:"entidad"`
	Subject    string          `json:"objeto"`
	Amount     string          `json:"valor"`
	Contractor string          `json:"contratista"`
	SignedAt   string          `json:"fecha"`
	URL        json.RawMessage `json:"url"`
	RowID      string          `json:"row_id"`
}

// ParseRows decodes a row-query response body into shared-schema rows.
// An absent predicate match yields an empty array upstream, which decodes to
// an empty slice here.
func ParseRows(body []byte) ([]Row, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var raw []rawRow
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode rows payload: %w", err)
	}
	rows := make([]Row, 0, len(raw))
	for _, r := range raw {
		rows = append(rows, Row{
			ContractID: r.ContractID,
			Entity:     r.Entity,
			Subject:    r.Subject,
			Amount:     r.Amount,
			Contractor: r.Contractor,
			SignedAt:   r.SignedAt,
			URL:        normalizeURL(r.URL),
			RowID:      r.RowID,
		})
	}
	return rows, nil
}

// normalizeURL extracts a usable link from either URL column shape.
func normalizeURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return cleanURLValue(s)
	}
	var nested struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		return cleanURLValue(nested.URL)
	}
	return ""
}

func cleanURLValue(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "nan", "none", "null":
		return ""
	}
	return s
}

// ParseCount decodes a count-query response body. Socrata returns the
// aggregate as a one-element array with a string-typed total; a missing or
// malformed total counts as zero rather than failing the whole request.
func ParseCount(body []byte) (int, error) {
	if len(body) == 0 {
		return 0, nil
	}
	var payload []map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode count payload: %w", err)
	}
	if len(payload) == 0 {
		return 0, nil
	}
	switch v := payload[0]["total"].(type) {
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, nil
		}
		return n, nil
	case float64:
		return int(v), nil
	default:
		return 0, nil
	}
}

// ParseAmount converts the raw amount column to a numeric value, zero when
// the upstream value is absent or not numeric.
func ParseAmount(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}
