package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rishav/marketdata-ingest/internal/event"
	"github.com/rishav/marketdata-ingest/internal/failover"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	root := t.TempDir()

	c, err := New(Config{
		DataRoot:        filepath.Join(root, "data"),
		WALDir:          filepath.Join(root, "wal"),
		DedupPath:       filepath.Join(root, "dedup"),
		StatusPath:      filepath.Join(root, "status.json"),
		Symbols:         []string{"SPY"},
		FailoverPrimary: "alpaca",
		FailoverBackups: []string{"polygon"},
		StatusInterval:  50 * time.Millisecond,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestCore_NewWiresEveryComponent(t *testing.T) {
	c := newTestCore(t)
	require.NotNil(t, c.wal)
	require.NotNil(t, c.sink)
	require.NotNil(t, c.ledger)
	require.NotNil(t, c.pipe)
	require.NotNil(t, c.pub)
	require.NotNil(t, c.registry)
	require.NotNil(t, c.fo)
	require.NotNil(t, c.trade["alpaca"])
	require.NotNil(t, c.quote["alpaca"])
	require.NotNil(t, c.depth["alpaca"])
	require.NotNil(t, c.trade["polygon"])
}

func TestCore_RunPublishesAndStopsWithinTimeout(t *testing.T) {
	c := newTestCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Give the pipeline consumer and status writer a moment to start.
	time.Sleep(20 * time.Millisecond)

	tc := c.TradeCollector("alpaca")
	require.NotNil(t, tc)
	e := tc.Ingest("SPY", "", time.Now(), 10000, 5, event.SideBuy, "t1", "XNYS", nil)
	require.Equal(t, uint64(1), e.Sequence)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestCore_OnSwitchPublishesIntegrityReset(t *testing.T) {
	c := newTestCore(t)
	ch := c.pub.Subscribe("SPY")

	c.OnSwitch(failover.SwitchEvent{From: "alpaca", To: "polygon", Reason: "test"})

	select {
	case got := <-ch:
		require.Equal(t, event.TypeIntegrity, got.Type)
		require.Equal(t, event.IntegrityReset, got.Integrity.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected an integrity reset event on provider switch")
	}
}
