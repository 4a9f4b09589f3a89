package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireEvent is the on-disk JSONL shape from spec §6:
// {timestamp, type, symbol, source, sequence, payload:{...}}.
type wireEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Source    string          `json:"source"`
	Sequence  uint64          `json:"sequence"`
	Payload   json.RawMessage `json:"payload"`

	// CanonicalSymbol is additive to the documented layout: storage
	// partitioning and dedup both prefer it when present, so it must
	// survive a round trip even though §6 only lists the base fields.
	CanonicalSymbol string `json:"canonicalSymbol,omitempty"`
}

// MarshalJSON implements the §6 wire format: one flat object with a nested
// "payload" keyed by the active variant's fields.
func (e Event) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch e.Type {
	case TypeTrade:
		payload = e.Trade
	case TypeBboQuote:
		payload = e.BboQuote
	case TypeL2Snapshot:
		payload = e.L2Snapshot
	case TypeL2Delta:
		payload = e.L2Delta
	case TypeIntegrity:
		payload = e.Integrity
	default:
		return nil, fmt.Errorf("event: unknown type %d", e.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("event: marshal payload: %w", err)
	}
	w := wireEvent{
		Timestamp:       e.Timestamp.UTC(),
		Type:            e.Type.String(),
		Symbol:          e.Symbol,
		CanonicalSymbol: e.CanonicalSymbol,
		Source:          e.Source,
		Sequence:        e.Sequence,
		Payload:         raw,
	}
	return json.Marshal(w)
}

// UnmarshalJSON reverses MarshalJSON, used by core's JSONL replay and the
// pipeline's WAL recovery.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Timestamp = w.Timestamp
	e.Symbol = w.Symbol
	e.CanonicalSymbol = w.CanonicalSymbol
	e.Source = w.Source
	e.Sequence = w.Sequence

	switch w.Type {
	case TypeTrade.String():
		e.Type = TypeTrade
		e.Trade = &Trade{}
		return json.Unmarshal(w.Payload, e.Trade)
	case TypeBboQuote.String():
		e.Type = TypeBboQuote
		e.BboQuote = &BboQuote{}
		return json.Unmarshal(w.Payload, e.BboQuote)
	case TypeL2Snapshot.String():
		e.Type = TypeL2Snapshot
		e.L2Snapshot = &L2Snapshot{}
		return json.Unmarshal(w.Payload, e.L2Snapshot)
	case TypeL2Delta.String():
		e.Type = TypeL2Delta
		e.L2Delta = &L2Delta{}
		return json.Unmarshal(w.Payload, e.L2Delta)
	case TypeIntegrity.String():
		e.Type = TypeIntegrity
		e.Integrity = &Integrity{}
		return json.Unmarshal(w.Payload, e.Integrity)
	default:
		return fmt.Errorf("event: unknown wire type %q", w.Type)
	}
}
