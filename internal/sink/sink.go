// Package sink implements the append-only Storage Sink described in spec
// §4.1 and §6: a partitioned JSONL(.gz) writer keyed by (symbol, type,
// date), safe for single-writer append plus concurrent flush, and a
// composite sink that fans the same event out to multiple backends.
package sink

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rishav/marketdata-ingest/internal/event"
	"github.com/rs/zerolog"
)

// Sink is the contract consumed by the pipeline: append, flush, dispose.
type Sink interface {
	Append(e *event.Event) error
	Flush() error
	Dispose() error
}

// Config configures a JSONLSink.
type Config struct {
	DataRoot string
	Policy   Policy
	Compress bool
	Logger   zerolog.Logger
}

// JSONLSink is the default single-backend sink: one JSON object per line,
// optionally gzip'd, partitioned per Policy.
type JSONLSink struct {
	cfg        Config
	log        zerolog.Logger
	mu         sync.Mutex
	partitions map[string]*partitionFile
}

// New creates a JSONLSink rooted at cfg.DataRoot.
func New(cfg Config) (*JSONLSink, error) {
	if cfg.DataRoot == "" {
		return nil, fmt.Errorf("sink: DataRoot is required")
	}
	return &JSONLSink{
		cfg:        cfg,
		log:        cfg.Logger,
		partitions: make(map[string]*partitionFile),
	}, nil
}

func (s *JSONLSink) extension() string {
	if s.cfg.Compress {
		return ".jsonl.gz"
	}
	return ".jsonl"
}

// Append buffers e in its partition's current output file. Safe to call
// from the single pipeline consumer only — no cross-partition locking
// beyond map access, per spec §4.1.
func (s *JSONLSink) Append(e *event.Event) error {
	rel := s.cfg.Policy.RelativePath(e) + s.extension()
	full := filepath.Join(s.cfg.DataRoot, rel)

	s.mu.Lock()
	pf, ok := s.partitions[full]
	if !ok {
		var err error
		pf, err = openPartition(full, s.cfg.Compress)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.partitions[full] = pf
	}
	s.mu.Unlock()

	return pf.appendLine(e)
}

// Flush forces all buffered bytes in every open partition to durable
// storage.
func (s *JSONLSink) Flush() error {
	s.mu.Lock()
	partitions := make([]*partitionFile, 0, len(s.partitions))
	for _, pf := range s.partitions {
		partitions = append(partitions, pf)
	}
	s.mu.Unlock()

	var firstErr error
	for _, pf := range partitions {
		if err := pf.flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispose flushes then closes every open partition.
func (s *JSONLSink) Dispose() error {
	s.mu.Lock()
	partitions := s.partitions
	s.partitions = make(map[string]*partitionFile)
	s.mu.Unlock()

	var firstErr error
	for _, pf := range partitions {
		if err := pf.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Composite writes the same event to multiple backends in order. A
// failure on a non-primary backend is logged but does not halt the
// primary, per spec §4.1 ("a failure on one is reported but MUST NOT halt
// the primary backend").
type Composite struct {
	primary   Sink
	secondary []Sink
	log       zerolog.Logger
}

// NewComposite builds a Composite with the given primary and secondary
// backends.
func NewComposite(logger zerolog.Logger, primary Sink, secondary ...Sink) *Composite {
	return &Composite{primary: primary, secondary: secondary, log: logger}
}

func (c *Composite) Append(e *event.Event) error {
	if err := c.primary.Append(e); err != nil {
		return err
	}
	for i, s := range c.secondary {
		if err := s.Append(e); err != nil {
			c.log.Warn().Err(err).Int("backend", i).Msg("sink: secondary backend append failed")
		}
	}
	return nil
}

func (c *Composite) Flush() error {
	if err := c.primary.Flush(); err != nil {
		return err
	}
	for i, s := range c.secondary {
		if err := s.Flush(); err != nil {
			c.log.Warn().Err(err).Int("backend", i).Msg("sink: secondary backend flush failed")
		}
	}
	return nil
}

func (c *Composite) Dispose() error {
	err := c.primary.Dispose()
	for i, s := range c.secondary {
		if serr := s.Dispose(); serr != nil {
			c.log.Warn().Err(serr).Int("backend", i).Msg("sink: secondary backend dispose failed")
		}
	}
	return err
}
