package provider

import "strings"

// StaticVenueMapper is a fixed in-memory table translating provider-specific
// venue strings to ISO 10383 MIC codes. It intentionally does not reach out
// to a reference-data service: that breadth is a Non-goal, per spec §1.
type StaticVenueMapper struct {
	table map[string]string
}

// NewStaticVenueMapper builds a mapper from provider-venue to MIC. Keys are
// matched case-insensitively.
func NewStaticVenueMapper(table map[string]string) *StaticVenueMapper {
	normalized := make(map[string]string, len(table))
	for k, v := range table {
		normalized[strings.ToLower(k)] = v
	}
	return &StaticVenueMapper{table: normalized}
}

// DefaultVenueMapper seeds the common US equity/crypto venues seen across
// vendor feeds in this domain.
func DefaultVenueMapper() *StaticVenueMapper {
	return NewStaticVenueMapper(map[string]string{
		"nyse":     "XNYS",
		"nasdaq":   "XNAS",
		"arca":     "ARCX",
		"bats":     "BATS",
		"iex":      "IEXG",
		"coinbase": "CEUX",
		"binance":  "BNCE",
	})
}

// ToMIC returns the mapped MIC code, or ok=false if providerVenue is
// unrecognized — callers should leave the raw code on the event untouched
// in that case, per spec §4.6.
func (m *StaticVenueMapper) ToMIC(providerVenue string) (string, bool) {
	mic, ok := m.table[strings.ToLower(providerVenue)]
	return mic, ok
}
