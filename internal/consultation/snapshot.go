package consultation

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/record"
)

// Snapshot is the externally visible view of a session, built from
// committed state only.
type Snapshot struct {
	SessionID   string                       `json:"session_id"`
	State       lifecycle.State              `json:"state"`
	Runtime     lifecycle.RuntimeState       `json:"runtime"`
	Fields      map[string]record.FieldValue `json:"fields"`
	Version     int64                        `json:"version"`
	Completion  float64                      `json:"completion"`
	Messages    int                          `json:"messages"`
	Finalizing  bool                         `json:"finalizing"`
	Degraded    bool                         `json:"degraded,omitempty"`
	Warning     string                       `json:"warning,omitempty"`
	CreatedAt   time.Time                    `json:"created_at"`
	CompletedAt *time.Time                   `json:"completed_at,omitempty"`
}

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 8

// subscribers fans snapshots out to channels.
type subscribers struct {
	mu     sync.Mutex
	next   int
	chans  map[int]chan Snapshot
	closed bool
}

func newSubscribers() *subscribers {
	return &subscribers{chans: make(map[int]chan Snapshot)}
}

// add registers a channel primed with initial. It returns false once the
// set is closed.
func (s *subscribers) add(buffer int, initial Snapshot) (int, chan Snapshot, bool) {
	ch := make(chan Snapshot, buffer)
	ch <- initial

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return 0, ch, false
	}
	s.next++
	s.chans[s.next] = ch
	return s.next, ch, true
}

func (s *subscribers) remove(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.chans[id]
	if !ok {
		return false
	}
	delete(s.chans, id)
	close(ch)
	return true
}

// publish delivers snap to every subscriber without blocking. A full channel
// drops its oldest snapshot. It returns the number of dropped snapshots.
func (s *subscribers) publish(snap Snapshot) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for _, ch := range s.chans {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
			dropped++
		default:
		}
		select {
		case ch <- snap:
		default:
			dropped++
		}
	}
	return dropped
}

// close delivers final and closes every channel.
func (s *subscribers) close(final Snapshot) int {
	dropped := s.publish(final)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.chans {
		delete(s.chans, id)
		close(ch)
	}
	return dropped
}

func (s *subscribers) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chans)
}

// Subscribe returns a channel receiving the current snapshot followed by a
// snapshot after every committed change. The channel is closed when the
// session is finalized or cancel is called. Subscribing to a finalized
// session yields its final snapshot and a closed channel.
func (s *Service) Subscribe(ctx context.Context, id string) (<-chan Snapshot, func(), error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if e.session.State().IsTerminal() && !s.pipeline.Running(id) {
		ch := make(chan Snapshot, 1)
		ch <- s.snapshot(e)
		close(ch)
		return ch, func() {}, nil
	}

	subID, ch, ok := e.subs.add(s.cfg.SubscriberBuffer, s.snapshot(e))
	if !ok {
		return ch, func() {}, nil
	}
	s.metrics.RecordSubscriber(ctx, 1)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if e.subs.remove(subID) {
				s.metrics.RecordSubscriber(context.Background(), -1)
			}
		})
	}
	return ch, cancel, nil
}

// publish pushes the current snapshot of e to its subscribers.
func (s *Service) publish(e *entry) {
	if e.subs.count() == 0 {
		return
	}
	if n := e.subs.publish(s.snapshot(e)); n > 0 {
		for i := 0; i < n; i++ {
			s.metrics.RecordDropped(context.Background())
		}
	}
}

func (s *Service) snapshot(e *entry) Snapshot {
	rec := e.guard.Snapshot()
	snap := Snapshot{
		SessionID:  e.session.ID,
		State:      e.session.State(),
		Runtime:    e.session.Runtime(),
		Fields:     rec.Flatten(s.schema),
		Version:    rec.Version,
		Completion: rec.Completion(s.schema),
		Messages:   e.log.Len(),
		Finalizing: s.pipeline.Running(e.session.ID),
		CreatedAt:  e.session.CreatedAt,
	}
	snap.Degraded, snap.Warning = e.outcome()
	if done := e.session.CompletedAt(); !done.IsZero() {
		snap.CompletedAt = &done
	}
	return snap
}
