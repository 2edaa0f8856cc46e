/*
scheduler.go - Automated secondary claim sweeper

PURPOSE:
  Periodically looks for primary claims whose balance has settled but that
  were never forwarded to their secondary payer, and runs the secondary
  trigger on each.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Candidate selection is done by the store (settled balance, not terminal,
    secondary payer on file, no secondary claim yet)
  - The trigger itself decides; the sweeper only counts and logs outcomes
  - One sweep at a time: a slow sweep delays the next tick

CONFIGURATION:
  - CheckInterval: How often to sweep (SWEEP_INTERVAL, 0 disables)
  - BatchSize:     Claims evaluated per sweep (SWEEP_BATCH)

USAGE:
  sweeper := NewForwardSweeper(engine, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: EvaluateSecondary endpoint (manual trigger)
  - posting/secondary.go: Evaluate, SweepForward
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/posting-engine/posting"
)

// ForwardSweeper runs the secondary trigger over forward candidates.
type ForwardSweeper struct {
	Engine        *posting.Engine
	CheckInterval time.Duration
	BatchSize     int
	Enabled       bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// SweepSummary counts the outcomes of one sweep.
type SweepSummary struct {
	Evaluated int
	Forwarded int
	Closed    int
	Failed    int
}

// NewForwardSweeper creates a new sweeper.
func NewForwardSweeper(engine *posting.Engine, log zerolog.Logger) *ForwardSweeper {
	return &ForwardSweeper{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		BatchSize:     100,
		Enabled:       true,
		log:           log.With().Str("component", "forward_sweeper").Logger(),
	}
}

// Start begins the sweeper.
func (fs *ForwardSweeper) Start() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.Enabled || fs.CheckInterval <= 0 {
		fs.log.Info().Msg("disabled, not starting")
		return
	}
	if fs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	fs.cancel = cancel
	fs.stop = make(chan struct{})
	fs.ticker = time.NewTicker(fs.CheckInterval)
	fs.wg.Add(1)

	go fs.run(ctx)

	fs.log.Info().Dur("interval", fs.CheckInterval).Int("batch", fs.BatchSize).Msg("started")
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (fs *ForwardSweeper) Stop() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ticker == nil {
		return
	}
	fs.ticker.Stop()
	close(fs.stop)
	fs.cancel()
	fs.wg.Wait()
	fs.ticker = nil
	fs.log.Info().Msg("stopped")
}

func (fs *ForwardSweeper) run(ctx context.Context) {
	defer fs.wg.Done()

	// Run immediately on start
	fs.RunNow(ctx)

	for {
		select {
		case <-fs.ticker.C:
			fs.RunNow(ctx)
		case <-fs.stop:
			return
		}
	}
}

// RunNow performs one sweep synchronously.
func (fs *ForwardSweeper) RunNow(ctx context.Context) SweepSummary {
	var sum SweepSummary

	results, err := fs.Engine.SweepForward(ctx, fs.BatchSize)
	if err != nil && ctx.Err() == nil {
		fs.log.Error().Err(err).Msg("sweep failed")
	}

	for _, res := range results {
		sum.Evaluated++
		evt := fs.log.Debug()
		switch res.Reason {
		case posting.ReasonSecondaryClaimCreated:
			sum.Forwarded++
			evt = fs.log.Info()
		case posting.ReasonNoForwardableBalance:
			sum.Closed++
		case posting.ReasonLookupFailed, posting.ReasonCreationFailed, posting.ReasonLockFailed:
			sum.Failed++
			evt = fs.log.Warn()
		}
		evt.
			Str("claim_id", string(res.ClaimID)).
			Str("reason", string(res.Reason)).
			Str("forward_amount", res.ForwardAmount.StringFixed(2)).
			Str("new_claim_id", string(res.NewClaimID)).
			Str("detail", res.Detail).
			Msg("claim evaluated")
	}

	if sum.Evaluated > 0 {
		fs.log.Info().
			Int("evaluated", sum.Evaluated).
			Int("forwarded", sum.Forwarded).
			Int("closed", sum.Closed).
			Int("failed", sum.Failed).
			Msg("sweep completed")
	}
	return sum
}
