package services

import (
	"context"
	"log"
	"time"
)

// HeartbeatPurger is the retention slice of the heartbeat store.
type HeartbeatPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper runs the periodic maintenance jobs: the stale-link sweep and the
// heartbeat retention purge. Both are conditional deletes, so running the
// sweeper on every instance at once needs no leader election and a repeat
// run over the same data removes nothing.
type Sweeper struct {
	reconciler *Reconciler
	heartbeats HeartbeatPurger
	retention  time.Duration
	interval   time.Duration
	stopChan   chan struct{}
}

func NewSweeper(reconciler *Reconciler, heartbeats HeartbeatPurger, retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		reconciler: reconciler,
		heartbeats: heartbeats,
		retention:  retention,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.loop()
	log.Printf("Sweeper started (every %s)", s.interval)
}

func (s *Sweeper) Stop() {
	select {
	case <-s.stopChan:
		return
	default:
		close(s.stopChan)
	}
}

func (s *Sweeper) loop() {
	// Run on startup as well as by interval.
	s.runOnce(context.Background())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runOnce(context.Background())
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	removed, err := s.reconciler.SweepStaleLinks(ctx)
	if err != nil {
		log.Printf("sweeper: stale-link sweep failed: %v", err)
	} else if removed > 0 {
		log.Printf("sweeper: removed %d stale device links", removed)
	}

	purged, err := s.heartbeats.PurgeOlderThan(ctx, time.Now().Add(-s.retention))
	if err != nil {
		log.Printf("sweeper: heartbeat purge failed: %v", err)
	} else if purged > 0 {
		log.Printf("sweeper: purged %d heartbeats", purged)
	}
}
