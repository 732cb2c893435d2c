// Package worker runs the heartbeat pipeline: a fixed pool of goroutines
// that take heartbeats off the connection read loops and do the slow part
// (reconciliation, durable writes, fan-out) so one stalled storage write
// never blocks delivery to unrelated connections.
package worker

import (
	"context"
	"log"
	"time"

	"classwatch-backend/internal/models"
	"classwatch-backend/internal/services"
)

const jobTimeout = 10 * time.Second

// HeartbeatStore is the durable side of heartbeat persistence.
type HeartbeatStore interface {
	Insert(ctx context.Context, hb *models.Heartbeat) error
}

// Pool consumes heartbeats from an in-process buffered channel. The feed is
// deliberately not a shared queue: a heartbeat must be processed by the
// instance holding the device's connection, because it updates that
// instance's presence snapshots.
type Pool struct {
	schools    *services.SchoolService
	reconciler *services.Reconciler
	heartbeats HeartbeatStore
	presence   *services.PresenceStore
	events     services.EventPublisher

	jobs        chan models.HeartbeatRequest
	workerCount int
	stopChan    chan struct{}
}

func NewPool(
	schools *services.SchoolService,
	reconciler *services.Reconciler,
	heartbeats HeartbeatStore,
	presence *services.PresenceStore,
	workerCount int,
	queueDepth int,
) *Pool {
	return &Pool{
		schools:     schools,
		reconciler:  reconciler,
		heartbeats:  heartbeats,
		presence:    presence,
		jobs:        make(chan models.HeartbeatRequest, queueDepth),
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
	}
}

// SetPublisher wires the broadcast bus in after construction.
func (p *Pool) SetPublisher(events services.EventPublisher) {
	p.events = events
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		go p.worker(i)
	}
	log.Printf("Started %d heartbeat workers", p.workerCount)
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

// Enqueue hands a heartbeat to the pool without blocking. Heartbeats are
// fire-and-forget: when the buffer is full the beat is dropped and the
// device's next one catches up.
func (p *Pool) Enqueue(hb models.HeartbeatRequest) bool {
	select {
	case p.jobs <- hb:
		return true
	default:
		return false
	}
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.stopChan:
			return
		case hb := <-p.jobs:
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			if err := p.process(ctx, hb); err != nil {
				log.Printf("worker %d: heartbeat from %s failed: %v", id, hb.DeviceID, err)
			}
			cancel()
		}
	}
}

// process runs one heartbeat through the pipeline: tracking-window check,
// identity resolution, durable write, presence update, viewer fan-out.
func (p *Pool) process(ctx context.Context, hb models.HeartbeatRequest) error {
	tracks, err := p.schools.TracksAt(ctx, hb.SchoolID, hb.ReceivedAt)
	if err != nil {
		return err
	}
	if !tracks {
		// Outside the school's tracking hours; dropped by policy.
		return nil
	}

	identity, err := p.reconciler.ResolveIdentity(ctx, hb.SchoolID, hb.DeviceID, hb.Email)
	if err != nil {
		return err
	}

	record := &models.Heartbeat{
		IdentityID: identity.ID,
		DeviceID:   hb.DeviceID,
		Activity:   hb.Activity,
		RecordedAt: hb.ReceivedAt,
	}
	if err := p.heartbeats.Insert(ctx, record); err != nil {
		return err
	}

	view := p.presence.RecordHeartbeat(identity, hb.DeviceID, hb.Activity)
	if p.events == nil {
		return nil
	}

	update := models.PresenceUpdate{
		IdentityID: view.IdentityID,
		DeviceID:   view.DeviceID,
		Label:      view.Label,
		Status:     view.Status,
		Activity:   view.Activity,
		Timestamp:  view.LastActivityAt,
	}
	return p.events.Publish(ctx, models.StaffInSchool(hb.SchoolID), "presence_update", update)
}
