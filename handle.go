package cloudname

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/suyash-sneo/cloudname/coord"
)

// ServiceHandle is an open claim on a coordinate. It publishes status and
// endpoints, watches the status node for foreign changes and tracks config.
type ServiceHandle struct {
	client     *Client
	coordinate Coordinate
	session    coord.Session
	statusPath string
	configPath string
	logger     Logger

	reg    *registration
	notify *dispatcher
	cancel context.CancelFunc
	group  *errgroup.Group

	// writeMu serializes status writes with verification so a check never
	// observes a half-applied write.
	writeMu sync.Mutex

	mu         sync.Mutex
	data       coordinateData
	version    int64
	resync     bool
	state      CoordinateEvent
	hasState   bool
	terminal   bool
	closed     bool
	coordSubs  []*coordinateSub
	configSubs []ConfigListener
	locks      map[*Lock]struct{}

	configMu sync.Mutex
	config   configState
}

type coordinateSub struct {
	l CoordinateListener
}

type configState struct {
	known   bool
	present bool
	lost    bool
	version int64
	data    string
}

func newServiceHandle(c *Client, co Coordinate, sess coord.Session, data coordinateData, version int64) *ServiceHandle {
	return &ServiceHandle{
		client:     c,
		coordinate: co,
		session:    sess,
		statusPath: c.paths.StatusPath(co),
		configPath: c.paths.ConfigPath(co, ""),
		logger:     c.logger,
		reg:        c.sup.register("claim " + co.String()),
		notify:     newDispatcher(),
		data:       data,
		version:    version,
		locks:      map[*Lock]struct{}{},
	}
}

func (h *ServiceHandle) start() {
	base, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { _ = h.notify.run(base) }()
	group, ctx := errgroup.WithContext(base)
	h.group = group
	group.Go(func() error { return h.run(ctx) })
	h.transition(CoordinateOK, "claimed")
}

// Coordinate returns the claimed coordinate.
func (h *ServiceHandle) Coordinate() Coordinate {
	return h.coordinate
}

// Status returns the status and endpoints as last written through the handle.
func (h *ServiceHandle) Status() (ServiceStatus, []Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data.Status, h.data.endpoints()
}

// SetStatus publishes a new status. UNASSIGNED cannot be published.
func (h *ServiceHandle) SetStatus(ctx context.Context, status ServiceStatus) error {
	if status.State == StateUnassigned {
		return fmt.Errorf("state %s cannot be published", status.State)
	}
	if _, ok := serviceStateNames[status.State]; !ok {
		return fmt.Errorf("unknown service state %d", int(status.State))
	}
	return h.update(ctx, func(d *coordinateData) {
		d.Status = status
	})
}

// PutEndpoint adds or replaces one endpoint.
func (h *ServiceHandle) PutEndpoint(ctx context.Context, e Endpoint) error {
	return h.PutEndpoints(ctx, e)
}

// PutEndpoints adds or replaces endpoints by name. The coordinate field is
// always set to the claimed coordinate.
func (h *ServiceHandle) PutEndpoints(ctx context.Context, endpoints ...Endpoint) error {
	for _, e := range endpoints {
		if !isToken(e.Name) {
			return fmt.Errorf("%w: name %q", ErrInvalidEndpoint, e.Name)
		}
	}
	return h.update(ctx, func(d *coordinateData) {
		for _, e := range endpoints {
			e.Coordinate = h.coordinate
			d.Endpoints[e.Name] = e
		}
	})
}

// RemoveEndpoint removes one endpoint by name.
func (h *ServiceHandle) RemoveEndpoint(ctx context.Context, name string) error {
	return h.RemoveEndpoints(ctx, name)
}

// RemoveEndpoints removes endpoints by name. Unknown names are ignored.
func (h *ServiceHandle) RemoveEndpoints(ctx context.Context, names ...string) error {
	return h.update(ctx, func(d *coordinateData) {
		for _, n := range names {
			delete(d.Endpoints, n)
		}
	})
}

func (h *ServiceHandle) update(ctx context.Context, mutate func(*coordinateData)) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.Lock()
	if h.closed || h.terminal {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClaimLost, h.coordinate)
	}
	next := h.data.clone()
	mutate(&next)
	version := h.version
	resync := h.resync
	h.mu.Unlock()

	sess, err := h.client.sup.liveSession()
	if err != nil {
		return err
	}
	if sess.ID() != h.session.ID() {
		// The claiming session ended, and its status node with it.
		h.verifyLocked(ctx)
		return fmt.Errorf("%w: %s", ErrClaimLost, h.coordinate)
	}
	if resync {
		_, stat, err := sess.Get(ctx, h.statusPath)
		switch {
		case errors.Is(err, coord.ErrNoNode):
			h.transition(CoordinateVanished, "status node removed")
			return fmt.Errorf("%w: %s", ErrClaimLost, h.coordinate)
		case err != nil:
			return storeErr("update status", err)
		case stat.Owner != h.session.ID():
			h.transition(CoordinateNotOwner, "status node owned by "+stat.Owner)
			return fmt.Errorf("%w: %s", ErrClaimLost, h.coordinate)
		}
		version = stat.Version
	}

	payload, err := next.encode()
	if err != nil {
		return err
	}
	stat, err := sess.Set(ctx, h.statusPath, payload, version)
	switch {
	case errors.Is(err, coord.ErrBadVersion):
		h.mu.Lock()
		h.resync = true
		h.mu.Unlock()
		h.transition(CoordinateOutOfSync, "status written by someone else")
		return fmt.Errorf("%w: %s", ErrOutOfSync, h.coordinate)
	case errors.Is(err, coord.ErrNoNode):
		h.transition(CoordinateVanished, "status node removed")
		return fmt.Errorf("%w: %s", ErrClaimLost, h.coordinate)
	case err != nil:
		return storeErr("update status", err)
	}

	h.mu.Lock()
	h.data = next
	h.version = stat.Version
	h.resync = false
	h.mu.Unlock()
	if resync {
		h.transition(CoordinateOK, "status rewritten")
	}
	return nil
}

func (h *ServiceHandle) run(ctx context.Context) error {
	statusWatch := h.watch(ctx, h.statusPath)
	configWatch := h.watch(ctx, h.configPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.reg.done:
			return nil
		case ev := <-h.reg.events:
			switch ev.kind {
			case eventConnectionDown:
				h.transition(CoordinateLostConnection, "connection to storage lost")
				h.configLost()
			case eventConnectionUp:
				h.verify(ctx)
				statusWatch = h.watch(ctx, h.statusPath)
				configWatch = h.watch(ctx, h.configPath)
				h.refreshConfig(ctx)
			case eventTick:
				h.verify(ctx)
				h.refreshConfig(ctx)
				if statusWatch == nil {
					statusWatch = h.watch(ctx, h.statusPath)
				}
				if configWatch == nil {
					configWatch = h.watch(ctx, h.configPath)
				}
			}
		case ev, ok := <-statusWatch:
			statusWatch = nil
			if ok && ev.Type != coord.EventNotWatching {
				h.verify(ctx)
				statusWatch = h.watch(ctx, h.statusPath)
			}
		case ev, ok := <-configWatch:
			configWatch = nil
			if ok && ev.Type != coord.EventNotWatching {
				h.refreshConfig(ctx)
				configWatch = h.watch(ctx, h.configPath)
			}
		}
	}
}

func (h *ServiceHandle) watch(ctx context.Context, p string) <-chan coord.Event {
	sess, err := h.client.sup.liveSession()
	if err != nil {
		return nil
	}
	ch, err := sess.Watch(ctx, p)
	if err != nil {
		h.logger.Debug("arm watch failed", Field{Key: "path", Value: p}, errField(err))
		return nil
	}
	return ch
}

// verify compares the stored status node with the handle's view.
func (h *ServiceHandle) verify(ctx context.Context) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.verifyLocked(ctx)
}

func (h *ServiceHandle) verifyLocked(ctx context.Context) {
	h.mu.Lock()
	if h.terminal || h.closed {
		h.mu.Unlock()
		return
	}
	expected := h.data
	version := h.version
	h.mu.Unlock()

	sess, err := h.client.sup.liveSession()
	if err != nil {
		h.transition(CoordinateLostConnection, err.Error())
		return
	}
	raw, stat, err := sess.Get(ctx, h.statusPath)
	switch {
	case errors.Is(err, coord.ErrNoNode):
		h.transition(CoordinateVanished, "status node removed")
		return
	case err != nil:
		if coord.IsConnectivity(err) {
			h.transition(CoordinateLostConnection, err.Error())
			return
		}
		h.logger.Warn("read status failed", coordField(h.coordinate), errField(err))
		return
	}
	if stat.Owner != h.session.ID() {
		h.transition(CoordinateNotOwner, "status node owned by "+stat.Owner)
		return
	}
	stored, err := decodeCoordinateData(raw)
	if err != nil {
		h.mu.Lock()
		h.resync = true
		h.mu.Unlock()
		h.transition(CoordinateCorrupted, err.Error())
		return
	}
	if stat.Version != version || !stored.equal(expected) {
		h.mu.Lock()
		h.resync = true
		h.mu.Unlock()
		h.transition(CoordinateOutOfSync,
			fmt.Sprintf("stored version %d, expected %d", stat.Version, version))
		return
	}
	h.transition(CoordinateOK, "")
}

// transition moves the claim state machine and notifies listeners once per
// change. Nothing moves after a terminal event.
func (h *ServiceHandle) transition(ev CoordinateEvent, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal || (h.hasState && h.state == ev) {
		return
	}
	h.state, h.hasState = ev, true
	if ev.Terminal() {
		h.terminal = true
	}
	subs := append([]*coordinateSub(nil), h.coordSubs...)
	h.notify.post(func() {
		for _, s := range subs {
			s.l.OnCoordinateEvent(ev, msg)
		}
	})

	h.client.metrics.IncCounter("cloudname_coordinate_events_total", 1, Label{Name: "event", Value: ev.String()})
	if ev == CoordinateOK {
		h.logger.Debug("coordinate event", coordField(h.coordinate), Field{Key: "event", Value: ev.String()})
	} else {
		h.logger.Warn("coordinate event", coordField(h.coordinate), Field{Key: "event", Value: ev.String()}, Field{Key: "message", Value: msg})
	}
}

// RegisterCoordinateListener adds a listener. The current state is replayed
// to it first.
func (h *ServiceHandle) RegisterCoordinateListener(l CoordinateListener) {
	if l != nil {
		h.addCoordinateSub(l)
	}
}

func (h *ServiceHandle) addCoordinateSub(l CoordinateListener) *coordinateSub {
	sub := &coordinateSub{l: l}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.coordSubs = append(h.coordSubs, sub)
	if h.hasState {
		state := h.state
		h.notify.post(func() { l.OnCoordinateEvent(state, "current state") })
	}
	return sub
}

func (h *ServiceHandle) removeCoordinateSub(sub *coordinateSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.coordSubs {
		if s == sub {
			h.coordSubs = append(h.coordSubs[:i], h.coordSubs[i+1:]...)
			return
		}
	}
}

// WaitForCoordinateOK blocks until the claim reports COORDINATE_OK. It fails
// with ErrClaimLost when the claim ends first.
func (h *ServiceHandle) WaitForCoordinateOK(ctx context.Context) error {
	ok := make(chan struct{})
	lost := make(chan struct{})
	var once sync.Once
	sub := h.addCoordinateSub(CoordinateListenerFunc(func(ev CoordinateEvent, _ string) {
		switch {
		case ev == CoordinateOK:
			once.Do(func() { close(ok) })
		case ev.Terminal():
			once.Do(func() { close(lost) })
		}
	}))
	defer h.removeCoordinateSub(sub)
	select {
	case <-ok:
		return nil
	case <-lost:
		return fmt.Errorf("%w: %s", ErrClaimLost, h.coordinate)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterConfigListener tracks the coordinate's config node. The listener gets
// NEW_DATA with the current value right away, then on every change.
func (h *ServiceHandle) RegisterConfigListener(ctx context.Context, l ConfigListener) error {
	if l == nil {
		return ErrInvalidListener
	}
	h.configMu.Lock()
	defer h.configMu.Unlock()
	if err := h.refreshConfigLocked(ctx, true); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: %s", ErrClaimLost, h.coordinate)
	}
	h.configSubs = append(h.configSubs, l)
	if cfg := h.config; cfg.present {
		h.notify.post(func() { l.OnConfigEvent(ConfigNewData, cfg.data) })
	}
	return nil
}

func (h *ServiceHandle) refreshConfig(ctx context.Context) {
	h.configMu.Lock()
	defer h.configMu.Unlock()
	if err := h.refreshConfigLocked(ctx, false); err != nil {
		h.logger.Debug("refresh config failed", coordField(h.coordinate), errField(err))
	}
}

func (h *ServiceHandle) refreshConfigLocked(ctx context.Context, force bool) error {
	h.mu.Lock()
	tracked := len(h.configSubs) > 0
	h.mu.Unlock()
	if !tracked && !force {
		return nil
	}
	sess, err := h.client.sup.liveSession()
	if err != nil {
		return err
	}
	raw, stat, err := sess.Get(ctx, h.configPath)
	prev := h.config
	switch {
	case errors.Is(err, coord.ErrNoNode):
		h.config = configState{known: true}
		if prev.present {
			h.postConfig(ConfigDeleted, "")
		}
	case err != nil:
		return storeErr("read config", err)
	default:
		h.config = configState{known: true, present: true, version: stat.Version, data: string(raw)}
		if !prev.present || prev.lost || prev.version != stat.Version {
			h.postConfig(ConfigNewData, string(raw))
		}
	}
	return nil
}

func (h *ServiceHandle) configLost() {
	h.configMu.Lock()
	defer h.configMu.Unlock()
	if !h.config.known || h.config.lost {
		return
	}
	h.config.lost = true
	h.postConfig(ConfigLostConnection, "")
}

func (h *ServiceHandle) postConfig(ev ConfigEvent, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := append([]ConfigListener(nil), h.configSubs...)
	if len(subs) == 0 {
		return
	}
	h.notify.post(func() {
		for _, l := range subs {
			l.OnConfigEvent(ev, data)
		}
	})
}

// Lock returns a lock named name at the given scope of this coordinate. The
// lock is released when the handle is closed.
func (h *ServiceHandle) Lock(scope LockScope, name string) (*Lock, error) {
	if !isToken(name) {
		return nil, fmt.Errorf("invalid lock name %q", name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("%w: %s", ErrClaimLost, h.coordinate)
	}
	l := newLock(h.client, h.client.paths.LockFolder(h.coordinate, scope, name))
	h.locks[l] = struct{}{}
	return l, nil
}

// Close releases the claim using a background context bounded by
// Config.ConnectTimeout.
func (h *ServiceHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.client.cfg.ConnectTimeout)
	defer cancel()
	return h.Release(ctx)
}

// Release deletes the status node if this session still owns it, releases
// locks taken through the handle and stops all tracking. It is idempotent and
// safe to call from a listener callback.
func (h *ServiceHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	locks := make([]*Lock, 0, len(h.locks))
	for l := range h.locks {
		locks = append(locks, l)
	}
	h.mu.Unlock()

	var err error
	for _, l := range locks {
		err = multierr.Append(err, l.close(ctx))
	}
	h.reg.close()
	h.cancel()
	_ = h.group.Wait()
	err = multierr.Append(err, h.deleteStatus(ctx))
	h.client.forget(h)
	h.client.metrics.IncCounter("cloudname_releases_total", 1)
	h.logger.Info("coordinate released", coordField(h.coordinate))
	return err
}

func (h *ServiceHandle) deleteStatus(ctx context.Context) error {
	sess, err := h.client.sup.liveSession()
	if err != nil {
		return err
	}
	if sess.ID() != h.session.ID() {
		return nil
	}
	stat, ok, err := sess.Exists(ctx, h.statusPath)
	if err != nil {
		return storeErr("release", err)
	}
	if !ok || stat.Owner != sess.ID() {
		return nil
	}
	if err := sess.Delete(ctx, h.statusPath, coord.AnyVersion); err != nil && !errors.Is(err, coord.ErrNoNode) {
		return storeErr("release", err)
	}
	return nil
}

func (h *ServiceHandle) String() string {
	return "claimed coordinate " + h.coordinate.String()
}
