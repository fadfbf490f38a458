/*
sweeper.go - Background distribution sweeper

PURPOSE:
  Finds transactions that are PAID but whose commissions were never
  distributed (the payment hook failed, the settings store was down, the
  process crashed between the two steps) and runs distribution for them.

DESIGN:
  - One background goroutine ticking at Interval
  - Each tick lists up to BatchSize undistributed transactions, oldest
    payment first, and calls OnTransactionPaid once per transaction
  - Failures are logged and left for the next tick; there is no inner
    retry loop
  - The latch makes a sweep racing a live payment hook harmless

CONFIGURATION:
  - Interval:  SWEEP_INTERVAL (default: 1 minute)
  - Enabled:   SWEEP_ENABLED (default: true)

USAGE:
  sweeper := NewSweeper(engine)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - settlement/engine.go: OnTransactionPaid
  - handlers.go: ConfirmPayment endpoint
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warp/settlement-engine/settlement"
)

const defaultSweepBatch = 100

// Sweeper re-runs distribution for paid transactions with the latch unset.
type Sweeper struct {
	Engine    *settlement.Engine
	Interval  time.Duration
	BatchSize int
	Enabled   bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Scanned     int `json:"scanned"`
	Distributed int `json:"distributed"`
	Failed      int `json:"failed"`
}

// NewSweeper creates an enabled sweeper with default settings.
func NewSweeper(engine *settlement.Engine) *Sweeper {
	return &Sweeper{
		Engine:    engine,
		Interval:  time.Minute,
		BatchSize: defaultSweepBatch,
		Enabled:   true,
	}
}

// Start begins the sweeper.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Info().Msg("distribution sweeper disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	log.Info().Dur("interval", s.Interval).Msg("distribution sweeper started")
}

// Stop stops the sweeper and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	log.Info().Msg("distribution sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunNow performs one pass synchronously.
func (s *Sweeper) RunNow(ctx context.Context) SweepResult {
	var result SweepResult

	pending, err := s.Engine.Store().ListUndistributed(ctx, s.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("sweeper failed to list undistributed transactions")
		return result
	}
	result.Scanned = len(pending)

	for _, tx := range pending {
		entries, err := s.Engine.OnTransactionPaid(ctx, tx.ID)
		if err != nil {
			result.Failed++
			continue
		}
		if len(entries) > 0 {
			result.Distributed++
		}
	}

	if result.Scanned > 0 {
		log.Info().
			Int("scanned", result.Scanned).
			Int("distributed", result.Distributed).
			Int("failed", result.Failed).
			Msg("distribution sweep completed")
	}
	return result
}
