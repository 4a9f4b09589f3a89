package sink

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rishav/marketdata-ingest/internal/event"
)

// NamingPolicy selects the directory layout component of a partition path,
// per spec §4.1.
type NamingPolicy int

const (
	NamingFlat NamingPolicy = iota
	NamingBySymbol
	NamingByDate
	NamingByType
	NamingBySource
	NamingByAssetClass
	NamingHierarchical
	NamingCanonical
)

// DatePartition selects the time-bucketing granularity of a partition path.
type DatePartition int

const (
	DateNone DatePartition = iota
	DateDaily
	DateHourly
	DateMonthly
)

// AssetClassifier maps a symbol to an asset class for NamingByAssetClass.
// Unrecognized symbols classify as "equity" — a conservative default since
// most single-venue feeds are equities.
type AssetClassifier func(symbol string) string

func defaultAssetClassifier(symbol string) string {
	switch {
	case strings.HasSuffix(symbol, "-USD"), strings.HasSuffix(symbol, "USDT"):
		return "crypto"
	case strings.Contains(symbol, "/"):
		return "fx"
	default:
		return "equity"
	}
}

// Policy is a pure function of an event to a relative file path (without
// extension), combining a NamingPolicy and a DatePartition.
type Policy struct {
	Naming        NamingPolicy
	DatePart      DatePartition
	AssetClass    AssetClassifier
}

// DefaultPolicy matches spec §6's default profile:
// {SYMBOL}/{type}/{yyyy-MM-dd}.
func DefaultPolicy() Policy {
	return Policy{Naming: NamingBySymbol, DatePart: DateDaily, AssetClass: defaultAssetClassifier}
}

func (p Policy) classifier() AssetClassifier {
	if p.AssetClass != nil {
		return p.AssetClass
	}
	return defaultAssetClassifier
}

// RelativePath computes {dataRoot}-relative path (without extension) for e.
func (p Policy) RelativePath(e *event.Event) string {
	symbol := e.EffectiveSymbol()
	typ := e.Type.String()
	var dirParts []string

	switch p.Naming {
	case NamingFlat:
		// no extra directory components
	case NamingBySymbol:
		dirParts = []string{symbol, typ}
	case NamingByDate:
		dirParts = []string{typ}
	case NamingByType:
		dirParts = []string{typ, symbol}
	case NamingBySource:
		dirParts = []string{e.Source, symbol, typ}
	case NamingByAssetClass:
		dirParts = []string{p.classifier()(symbol), symbol, typ}
	case NamingHierarchical:
		dirParts = []string{p.classifier()(symbol), e.Source, symbol, typ}
	case NamingCanonical:
		dirParts = []string{symbol, typ}
		if e.CanonicalSymbol != "" && e.CanonicalSymbol != e.Symbol {
			dirParts = []string{e.CanonicalSymbol, typ}
		}
	default:
		dirParts = []string{symbol, typ}
	}

	file := p.dateFile(e)
	if p.Naming == NamingFlat {
		file = symbol + "_" + typ + "_" + file
	}
	if p.Naming == NamingByDate {
		// date-first layout prepends the date to the directory instead
		// of the filename.
		dirParts = append([]string{file}, dirParts...)
		file = symbol
	}

	return filepath.Join(append(append([]string{}, dirParts...), file)...)
}

func (p Policy) dateFile(e *event.Event) string {
	ts := e.Timestamp.UTC()
	switch p.DatePart {
	case DateNone:
		return "all"
	case DateHourly:
		return fmt.Sprintf("%04d-%02d-%02dT%02d", ts.Year(), ts.Month(), ts.Day(), ts.Hour())
	case DateMonthly:
		return fmt.Sprintf("%04d-%02d", ts.Year(), ts.Month())
	case DateDaily:
		fallthrough
	default:
		return fmt.Sprintf("%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day())
	}
}
