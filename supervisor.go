package cloudname

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/suyash-sneo/cloudname/coord"
)

type supervisorEventKind int

const (
	eventTick supervisorEventKind = iota
	eventConnectionUp
	eventConnectionDown
)

func (k supervisorEventKind) String() string {
	switch k {
	case eventTick:
		return "tick"
	case eventConnectionUp:
		return "connection-up"
	case eventConnectionDown:
		return "connection-down"
	default:
		return "unknown"
	}
}

// supervisorEvent is what observers receive. session is set for connectionUp.
type supervisorEvent struct {
	kind    supervisorEventKind
	session coord.Session
}

// registration is an observer's subscription to supervisor events. The owner
// must call close when it stops listening; nothing is dropped implicitly.
type registration struct {
	sup    *supervisor
	tag    string
	events chan supervisorEvent
	done   chan struct{}
	once   sync.Once
}

func (r *registration) close() {
	r.once.Do(func() {
		r.sup.unregister(r)
		close(r.done)
	})
}

// supervisor owns the single session and keeps it alive for the lifetime of
// the client.
type supervisor struct {
	cfg     Config
	store   coord.Store
	logger  Logger
	metrics Metrics

	mu      sync.Mutex
	session coord.Session
	regs    map[*registration]struct{}

	connected *atomic.Bool
	started   *atomic.Bool
	closed    *atomic.Bool
	firstUp   chan struct{}
	firstOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// loopState is owned by the supervisor goroutine.
type loopState struct {
	connectingTicks int
	attempt         int
	reopenAt        time.Time
	drained         coord.Session
}

func newSupervisor(cfg Config, store coord.Store, logger Logger, metrics Metrics) *supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &supervisor{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		metrics:   metrics,
		regs:      map[*registration]struct{}{},
		connected: atomic.NewBool(false),
		started:   atomic.NewBool(false),
		closed:    atomic.NewBool(false),
		firstUp:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
	}
}

func (s *supervisor) start() {
	if s.closed.Load() || !s.started.CompareAndSwap(false, true) {
		return
	}
	s.group.Go(func() error { return s.run(s.ctx) })
}

// awaitFirst blocks until the first session is connected.
func (s *supervisor) awaitFirst(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.firstUp:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrConnectionTimeout, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConnectionTimeout, ctx.Err())
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *supervisor) run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	st := &loopState{}
	s.open(ctx)
	for {
		sess := s.current()
		var events <-chan coord.SessionEvent
		if sess != nil && sess != st.drained {
			events = sess.Events()
		}
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				st.drained = sess
				continue
			}
			s.handleSessionEvent(ctx, sess, ev)
		case <-ticker.C:
			s.onTick(ctx, st)
		}
	}
}

func (s *supervisor) onTick(ctx context.Context, st *loopState) {
	sess := s.current()
	state := coord.StateClosed
	if sess != nil {
		state = sess.State()
	}
	switch state {
	case coord.StateConnected:
		st.connectingTicks = 0
		st.attempt = 0
		s.broadcast(ctx, supervisorEvent{kind: eventTick})
	case coord.StateConnecting:
		st.connectingTicks++
		if st.connectingTicks <= s.cfg.MaxConnectingTicks {
			return
		}
		s.logger.Warn("session stuck connecting, closing it",
			Field{Key: "session", Value: sess.ID()}, Field{Key: "ticks", Value: st.connectingTicks})
		if err := sess.Close(); err != nil {
			s.logger.Debug("close stuck session failed", errField(err))
		}
		st.connectingTicks = 0
		s.markDown(ctx)
	default:
		st.connectingTicks = 0
		s.markDown(ctx)
		now := time.Now()
		if st.reopenAt.IsZero() {
			wait := jitter(s.cfg.Reconnect.Next(st.attempt), s.cfg.Reconnect.Jitter)
			st.reopenAt = now.Add(wait)
			s.logger.Info("session closed, reconnecting after cooldown",
				Field{Key: "cooldown", Value: wait}, Field{Key: "attempt", Value: st.attempt})
			return
		}
		if now.Before(st.reopenAt) {
			return
		}
		st.reopenAt = time.Time{}
		st.attempt++
		s.open(ctx)
	}
}

func (s *supervisor) open(ctx context.Context) {
	sess, err := s.store.Open(ctx)
	if err != nil {
		s.logger.Warn("open session failed", errField(err))
		s.metrics.IncCounter("cloudname_session_open_failures_total", 1)
		return
	}
	s.mu.Lock()
	old := s.session
	s.session = sess
	s.mu.Unlock()
	if old != nil && old != sess {
		_ = old.Close()
	}
	s.metrics.IncCounter("cloudname_sessions_opened_total", 1)
	s.logger.Debug("session opened", Field{Key: "session", Value: sess.ID()})
}

func (s *supervisor) handleSessionEvent(ctx context.Context, sess coord.Session, ev coord.SessionEvent) {
	s.logger.Debug("session event", Field{Key: "session", Value: sess.ID()}, Field{Key: "event", Value: ev.Type.String()})
	switch ev.Type {
	case coord.SessionConnected:
		if sess.State() == coord.StateConnected {
			s.markUp(ctx, sess)
		}
	case coord.SessionDisconnected, coord.SessionExpired:
		s.markDown(ctx)
	}
}

func (s *supervisor) markUp(ctx context.Context, sess coord.Session) {
	if !s.connected.CompareAndSwap(false, true) {
		return
	}
	s.metrics.SetGauge("cloudname_connected", 1)
	first := false
	s.firstOnce.Do(func() {
		close(s.firstUp)
		first = true
	})
	if first {
		s.logger.Info("connected to coordination store", Field{Key: "session", Value: sess.ID()})
		return
	}
	s.logger.Info("reconnected to coordination store", Field{Key: "session", Value: sess.ID()})
	s.metrics.IncCounter("cloudname_reconnects_total", 1)
	s.broadcast(ctx, supervisorEvent{kind: eventConnectionUp, session: sess})
}

func (s *supervisor) markDown(ctx context.Context) {
	if !s.connected.CompareAndSwap(true, false) {
		return
	}
	s.metrics.SetGauge("cloudname_connected", 0)
	s.logger.Warn("lost connection to coordination store")
	s.broadcast(ctx, supervisorEvent{kind: eventConnectionDown})
}

// broadcast hands ev to every registered observer. Ticks are dropped for
// observers that are behind; transitions wait until the observer takes them
// or goes away.
func (s *supervisor) broadcast(ctx context.Context, ev supervisorEvent) {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.regs))
	for r := range s.regs {
		regs = append(regs, r)
	}
	s.mu.Unlock()

	for _, r := range regs {
		if ev.kind == eventTick {
			select {
			case r.events <- ev:
			default:
			}
			continue
		}
		select {
		case r.events <- ev:
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}

func (s *supervisor) register(tag string) *registration {
	r := &registration{
		sup:    s,
		tag:    tag,
		events: make(chan supervisorEvent, s.cfg.EventBuffer),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	closed := s.closed.Load()
	if !closed {
		s.regs[r] = struct{}{}
	}
	s.mu.Unlock()
	if closed {
		r.close()
	}
	return r
}

func (s *supervisor) unregister(r *registration) {
	s.mu.Lock()
	delete(s.regs, r)
	s.mu.Unlock()
}

func (s *supervisor) current() coord.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// liveSession returns the current session when it is connected.
func (s *supervisor) liveSession() (coord.Session, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sess := s.current()
	if sess == nil || sess.State() != coord.StateConnected {
		return nil, ErrNoConnection
	}
	return sess, nil
}

func (s *supervisor) close() error {
	s.mu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.cancel()
	err := s.group.Wait()

	s.mu.Lock()
	sess := s.session
	s.session = nil
	regs := make([]*registration, 0, len(s.regs))
	for r := range s.regs {
		regs = append(regs, r)
	}
	s.mu.Unlock()

	for _, r := range regs {
		r.close()
	}
	if sess != nil {
		err = multierr.Append(err, sess.Close())
	}
	s.connected.Store(false)
	s.metrics.SetGauge("cloudname_connected", 0)
	return err
}
