// Package presence samples the session registry on a fixed interval and
// reports joins and leaves.
//
// The monitor only reads registry snapshots. A session that joins and leaves
// between two ticks is never observed; presence is an indicator, not a
// record.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/wsroute/internal/session"
)

// DefaultInterval is the sampling period used when Config.Interval is unset.
const DefaultInterval = time.Second

// Source provides registry snapshots.
type Source interface {
	Snapshot() []*session.Session
}

// Member describes one session in a presence event.
type Member struct {
	Key      string    `json:"key"`
	GroupID  string    `json:"group_id,omitempty"`
	ClientID string    `json:"client_id,omitempty"`
	ID       uuid.UUID `json:"session_id"`
}

// Event is emitted when the roster changed since the previous tick.
type Event struct {
	ID     uuid.UUID `json:"id"`
	At     time.Time `json:"at"`
	Joined []Member  `json:"joined"`
	Left   []Member  `json:"left"`
	Roster []Member  `json:"roster"`
}

// Sink receives presence events.
type Sink interface {
	PresenceChanged(Event)
}

// SinkFunc is a function adapter for Sink.
type SinkFunc func(Event)

func (f SinkFunc) PresenceChanged(e Event) {
	f(e)
}

// Config holds monitor configuration.
type Config struct {
	Interval time.Duration
}

// Monitor periodically diffs registry snapshots.
type Monitor struct {
	cfg    Config
	source Source
	sink   Sink
	logger *zap.Logger

	mu       sync.Mutex
	previous map[string]Member // key -> member seen on the last tick

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. A nil sink logs the roster on every change.
func New(cfg Config, source Source, sink Sink, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	m := &Monitor{
		cfg:      cfg,
		source:   source,
		sink:     sink,
		logger:   logger,
		previous: make(map[string]Member),
	}
	if m.sink == nil {
		m.sink = LogSink(logger)
	}
	return m
}

// Start begins sampling in a background goroutine.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run()

	m.logger.Info("presence monitor started", zap.Duration("interval", m.cfg.Interval))
	return nil
}

// Stop halts sampling and waits for the loop to exit or ctx to expire.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("presence monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if event, changed := m.Check(); changed {
				m.sink.PresenceChanged(event)
			}
		}
	}
}

// Check takes one snapshot and compares it with the previous one. It
// returns the event and true when anything joined or left. A key reused by a
// new session counts as a leave followed by a join.
func (m *Monitor) Check() (Event, bool) {
	snapshot := m.source.Snapshot()

	current := make(map[string]Member, len(snapshot))
	roster := make([]Member, 0, len(snapshot))
	for _, s := range snapshot {
		member := Member{Key: s.Key, GroupID: s.GroupID, ClientID: s.ClientID, ID: s.ID}
		current[s.Key] = member
		roster = append(roster, member)
	}

	m.mu.Lock()
	previous := m.previous
	m.previous = current
	m.mu.Unlock()

	var joined, left []Member
	for _, member := range roster {
		if prev, ok := previous[member.Key]; !ok || prev.ID != member.ID {
			joined = append(joined, member)
		}
	}
	for key, prev := range previous {
		if cur, ok := current[key]; !ok || cur.ID != prev.ID {
			left = append(left, prev)
		}
	}

	if len(joined) == 0 && len(left) == 0 {
		return Event{}, false
	}

	sortMembers(left)
	return Event{
		ID:     uuid.New(),
		At:     time.Now(),
		Joined: joined,
		Left:   left,
		Roster: roster,
	}, true
}

// LogSink returns a Sink that logs each change and the full roster.
func LogSink(logger *zap.Logger) Sink {
	return SinkFunc(func(e Event) {
		logger.Info("presence changed",
			zap.Int("joined", len(e.Joined)),
			zap.Int("left", len(e.Left)),
			zap.Int("connected", len(e.Roster)),
		)
		for _, member := range e.Roster {
			logger.Info("connected client",
				zap.String("key", member.Key),
				zap.String("group", member.GroupID),
				zap.String("client_id", member.ClientID),
			)
		}
	})
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].Key < members[j].Key
	})
}
