// Package sse streams encoding events to operators over Server-Sent Events.
package sse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reelhouse/reelhouse-server/internal/events"
	"github.com/reelhouse/reelhouse-server/internal/id"
)

// EventHeartbeat keeps idle connections open.
const EventHeartbeat events.EventType = "heartbeat"

const (
	queueSize         = 1000
	clientBufferSize  = 100
	heartbeatInterval = 30 * time.Second
)

// Client represents a connected SSE client.
type Client struct {
	ConnectedAt time.Time
	EventChan   chan events.Event
	Done        chan struct{}
	ID          string
	// MediaID limits delivery to one media item. Empty means all.
	MediaID string
}

func (c *Client) wants(evt events.Event) bool {
	return c.MediaID == "" || evt.MediaID == "" || evt.MediaID == c.MediaID
}

// Manager fans bus events out to connected clients.
type Manager struct {
	clients           map[string]*Client
	events            chan events.Event
	logger            *slog.Logger
	wg                sync.WaitGroup
	heartbeatInterval time.Duration
	mu                sync.RWMutex

	shutdownMu sync.RWMutex
	shutdown   bool
}

// NewManager creates a new SSE Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		clients:           make(map[string]*Client),
		events:            make(chan events.Event, queueSize),
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
	}
}

// Subscribe registers the manager for every encoding event on the bus.
func (m *Manager) Subscribe(bus *events.Bus) {
	bus.Subscribe(m.Handle,
		events.EventEncodingStarted,
		events.EventEncodingRequeued,
		events.EventEncodingCompleted,
		events.EventEncodingDeleted,
		events.EventEncodingProgress,
		events.EventMediaStatusChanged,
	)
}

// Handle is the bus entry point. It never blocks the bus.
func (m *Manager) Handle(_ context.Context, evt events.Event) {
	m.Emit(evt)
}

// Start runs the broadcast loop until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	m.logger.Info("SSE manager starting")

	heartbeatTicker := time.NewTicker(m.heartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case evt, ok := <-m.events:
			if !ok {
				m.closeAllClients()
				return
			}
			m.broadcast(evt)

		case <-heartbeatTicker.C:
			m.broadcast(events.Event{Type: EventHeartbeat, Timestamp: time.Now()})

		case <-ctx.Done():
			m.logger.Info("SSE manager stopping")
			m.closeAllClients()
			return
		}
	}
}

// Shutdown stops accepting events, drains the queue and closes all clients.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownMu.Lock()
	if m.shutdown {
		m.shutdownMu.Unlock()
		return nil
	}
	m.shutdown = true
	close(m.events)
	m.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("SSE event drain timeout, some events may be lost")
		return ctx.Err()
	}
}

func (m *Manager) broadcast(evt events.Event) {
	var delivered, dropped int

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, client := range m.clients {
		if !client.wants(evt) {
			continue
		}
		// Slow clients lose events rather than stall the stream.
		select {
		case client.EventChan <- evt:
			delivered++
		default:
			dropped++
		}
	}

	if dropped > 0 {
		m.logger.Warn("dropped events for slow clients",
			slog.String("event_type", string(evt.Type)),
			slog.Int("dropped", dropped))
	}
	if evt.Type != EventHeartbeat {
		m.logger.Debug("event broadcast",
			slog.String("event_type", string(evt.Type)),
			slog.Int("delivered", delivered))
	}
}

// Connect registers a new client. mediaID filters the stream, empty for all media.
func (m *Manager) Connect(mediaID string) (*Client, error) {
	clientID, err := id.Generate("sse")
	if err != nil {
		return nil, err
	}

	client := &Client{
		ID:          clientID,
		MediaID:     mediaID,
		EventChan:   make(chan events.Event, clientBufferSize),
		Done:        make(chan struct{}),
		ConnectedAt: time.Now(),
	}

	m.mu.Lock()
	m.clients[client.ID] = client
	total := len(m.clients)
	m.mu.Unlock()

	m.logger.Info("SSE client connected",
		slog.String("client_id", clientID),
		slog.String("media_id", mediaID),
		slog.Int("total_clients", total))
	return client, nil
}

// Disconnect removes a client and closes its channels.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	client, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, clientID)
	total := len(m.clients)
	m.mu.Unlock()

	close(client.Done)
	close(client.EventChan)

	m.logger.Info("SSE client disconnected",
		slog.String("client_id", clientID),
		slog.Duration("duration", time.Since(client.ConnectedAt)),
		slog.Int("total_clients", total))
}

// Emit queues an event for broadcasting, dropping it when the queue is full.
func (m *Manager) Emit(evt events.Event) {
	m.shutdownMu.RLock()
	defer m.shutdownMu.RUnlock()

	if m.shutdown {
		return
	}

	select {
	case m.events <- evt:
	default:
		m.logger.Error("SSE event queue full, dropping event",
			slog.String("event_type", string(evt.Type)))
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Manager) closeAllClients() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, client := range m.clients {
		close(client.Done)
		close(client.EventChan)
	}
	m.clients = make(map[string]*Client)

	m.logger.Info("all SSE clients disconnected")
}
