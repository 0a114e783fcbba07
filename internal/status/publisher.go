// Package status exposes the engine's published state to the rest of the
// application. It is the single sanctioned observation point: no other
// component re-implements probing to answer "are we online".
package status

import (
	"sync"

	"github.com/opsante/clinicsync/internal/models"
)

// EventType identifies a published status event.
type EventType string

const (
	EventConnectionChanged EventType = "connection.changed"
	EventSyncStarted       EventType = "sync.started"
	EventSyncCompleted     EventType = "sync.completed"
	EventSyncFailed        EventType = "sync.failed"
)

// Event is delivered to subscribers on status changes.
type Event struct {
	Type       EventType               `json:"type"`
	Connection models.ConnectionStatus `json:"connection"`
	Sync       models.SyncStatus       `json:"sync"`
}

// Handler receives published events. Handlers run on the publisher's caller
// goroutine and must not block.
type Handler func(Event)

// Publisher holds the last computed snapshots and fans events out to
// subscribers. Snapshots are written by the background loop (connection) and
// the replayer (sync); everything else only reads.
type Publisher struct {
	mu         sync.RWMutex
	connection models.ConnectionStatus
	sync       models.SyncStatus
	pending    models.SyncPendingStatus
	handlers   map[int]Handler
	nextID     int
}

// NewPublisher creates an empty Publisher. Until the first probe completes
// the connection snapshot reports offline.
func NewPublisher() *Publisher {
	return &Publisher{
		connection: models.ConnectionStatus{
			Mode:        models.ModeOffline,
			Description: models.ModeOffline.Description(),
		},
		handlers: make(map[int]Handler),
	}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (p *Publisher) Subscribe(h Handler) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = h
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

// SetConnection publishes a new connection snapshot. Only the arbitration
// loop calls this. An event fires only when notify is set, which the loop
// ties to actual mode changes so subscribers never see intra-tick noise.
func (p *Publisher) SetConnection(cs models.ConnectionStatus, notify bool) {
	p.mu.Lock()
	p.connection = cs
	p.sync.IsOnline = cs.Online()
	event := p.eventLocked(EventConnectionChanged)
	handlers := p.handlersLocked()
	p.mu.Unlock()

	if notify {
		for _, h := range handlers {
			h(event)
		}
	}
}

// SetSync publishes a new sync snapshot, optionally firing an event.
func (p *Publisher) SetSync(ss models.SyncStatus, eventType EventType) {
	p.mu.Lock()
	ss.IsOnline = p.connection.Online()
	p.sync = ss
	event := p.eventLocked(eventType)
	handlers := p.handlersLocked()
	p.mu.Unlock()

	if eventType != "" {
		for _, h := range handlers {
			h(event)
		}
	}
}

// SetPending publishes a new queue projection.
func (p *Publisher) SetPending(ps models.SyncPendingStatus) {
	p.mu.Lock()
	p.pending = ps
	p.sync.PendingChanges = ps.TotalPending
	p.mu.Unlock()
}

// Connection returns the last published connection snapshot.
func (p *Publisher) Connection() models.ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connection
}

// Sync returns the last published sync snapshot.
func (p *Publisher) Sync() models.SyncStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sync
}

// Pending returns the last published queue projection.
func (p *Publisher) Pending() models.SyncPendingStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pending
}

func (p *Publisher) eventLocked(t EventType) Event {
	return Event{
		Type:       t,
		Connection: p.connection,
		Sync:       p.sync,
	}
}

func (p *Publisher) handlersLocked() []Handler {
	handlers := make([]Handler, 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}
