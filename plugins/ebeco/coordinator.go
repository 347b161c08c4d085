package ebeco

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Source says which write path produced a snapshot.
type Source string

const (
	SourcePoll   Source = "poll"
	SourceChange Source = "change"
)

const (
	stateUninitialized = "uninitialized"
	stateReady         = "ready"

	eventFirstRefresh = "first_refresh"
	eventRefresh      = "refresh"
	eventChange       = "change"
)

var ErrNotReady = errors.New("ebeco: coordinator has no data yet")

// Snapshot is the shared state cell's content. Device is never mutated
// after publication; every write replaces the whole snapshot.
type Snapshot struct {
	Device    *Device
	Source    Source
	UpdatedAt time.Time
	Sequence  uint64
}

// UpdateFailedError reports a refresh that left the cell untouched.
type UpdateFailedError struct {
	Err error
}

func (e *UpdateFailedError) Error() string {
	return "update failed: " + e.Err.Error()
}

func (e *UpdateFailedError) Unwrap() error {
	return e.Err
}

// Stats summarises recent coordinator activity for metrics and health.
type Stats struct {
	LastPollOK     bool
	LastPollAt     time.Time
	LastError      string
	ChangesApplied uint64
	ChangesFailed  uint64
}

// Coordinator owns the shared state cell for one device. Polls and changes
// are serialized; whichever finishes last defines the cell.
type Coordinator struct {
	name     string
	session  *Session
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	// OnUpdateFailed is called after every failed refresh.
	OnUpdateFailed func(error)

	opMu sync.Mutex

	mu    sync.RWMutex
	cell  *Snapshot
	seq   uint64
	stats Stats

	machine   *fsm.FSM
	ready     chan struct{}
	readyOnce sync.Once

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

func NewCoordinator(name string, session *Session, interval time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	c := &Coordinator{
		name:     name,
		session:  session,
		interval: interval,
		logger:   logger.With(zap.String("entry", name)),
		now:      time.Now,
		ready:    make(chan struct{}),
		subs:     make(map[int]chan Snapshot),
	}
	c.machine = fsm.NewFSM(
		stateUninitialized,
		fsm.Events{
			{Name: eventFirstRefresh, Src: []string{stateUninitialized}, Dst: stateReady},
			{Name: eventRefresh, Src: []string{stateReady}, Dst: stateReady},
			{Name: eventChange, Src: []string{stateReady}, Dst: stateReady},
		},
		fsm.Callbacks{
			"enter_" + stateReady: func(_ context.Context, _ *fsm.Event) {
				c.readyOnce.Do(func() { close(c.ready) })
			},
		},
	)
	return c
}

func (c *Coordinator) Name() string {
	return c.name
}

func (c *Coordinator) Session() *Session {
	return c.session
}

func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// FirstRefresh performs the initial fetch. Until it succeeds the
// coordinator is not ready and rejects changes.
func (c *Coordinator) FirstRefresh(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("first refresh %s: %w", c.name, err)
	}
	return nil
}

// Run polls until ctx is cancelled, then closes all subscriptions.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.closeSubscribers()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("scheduled refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh fetches the record and publishes it as a poll snapshot. A
// failure leaves the cell as it was.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	device, err := c.session.Refresh(ctx)
	if err != nil {
		failed := &UpdateFailedError{Err: err}
		c.mu.Lock()
		c.stats.LastPollOK = false
		c.stats.LastPollAt = c.now()
		c.stats.LastError = err.Error()
		c.mu.Unlock()
		if c.OnUpdateFailed != nil {
			c.OnUpdateFailed(failed)
		}
		return failed
	}

	c.mu.Lock()
	c.stats.LastPollOK = true
	c.stats.LastPollAt = c.now()
	c.stats.LastError = ""
	c.mu.Unlock()
	c.publish(device, SourcePoll)
	return nil
}

// Change applies a user command and, when the session accepts it,
// republishes the patched record. It reports whether the cell changed.
func (c *Coordinator) Change(ctx context.Context, change Change) bool {
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	logger := c.logger.With(zap.String("change_id", change.ID.String()))
	if !c.Ready() {
		logger.Warn("change rejected", zap.Error(ErrNotReady))
		c.countChange(false)
		return false
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.session.Apply(ctx, change) {
		logger.Warn("change not applied", zap.String("action", string(change.Action)))
		c.countChange(false)
		return false
	}
	c.countChange(true)
	c.publish(c.session.Current(), SourceChange)
	return true
}

func (c *Coordinator) countChange(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.stats.ChangesApplied++
		return
	}
	c.stats.ChangesFailed++
}

func (c *Coordinator) publish(device *Device, source Source) {
	c.mu.Lock()
	c.seq++
	snap := Snapshot{
		Device:    device,
		Source:    source,
		UpdatedAt: c.now(),
		Sequence:  c.seq,
	}
	c.cell = &snap
	c.mu.Unlock()

	event := eventRefresh
	switch {
	case c.machine.Is(stateUninitialized):
		event = eventFirstRefresh
	case source == SourceChange:
		event = eventChange
	}
	if err := c.machine.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) || noTransition.Err != nil {
			c.logger.Error("state transition failed", zap.String("event", event), zap.Error(err))
		}
	}

	c.broadcast(snap)
}

// Snapshot returns a copy of the cell. The bool is false before the first
// successful refresh.
func (c *Coordinator) Snapshot() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cell == nil {
		return Snapshot{}, false
	}
	snap := *c.cell
	snap.Device = snap.Device.Clone()
	return snap, true
}

func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Coordinator) State() string {
	return c.machine.Current()
}

func (c *Coordinator) Ready() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the first refresh succeeded or ctx ends.
func (c *Coordinator) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel receiving every published snapshot. Slow
// readers only see the latest one. Call cancel to unsubscribe.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Snapshot, 1)
	c.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (c *Coordinator) broadcast(snap Snapshot) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		out := snap
		out.Device = snap.Device.Clone()
		select {
		case ch <- out:
			continue
		default:
		}
		// Drop the stale value so the newest wins.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- out:
		default:
		}
	}
}

func (c *Coordinator) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
