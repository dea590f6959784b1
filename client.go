package cloudname

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/suyash-sneo/cloudname/coord"
)

// Client is the entry point of the library. It owns the connection supervisor
// and hands out claims, config access, locks and the resolver.
type Client struct {
	cfg        Config
	paths      PathScheme
	store      coord.Store
	logger     Logger
	metrics    Metrics
	owners     OwnerIDProvider
	strategies map[string]Strategy

	sup      *supervisor
	resolver *Resolver

	mu      sync.Mutex
	handles map[*ServiceHandle]struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger used by every subsystem.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithStrategy registers a resolver strategy, replacing a built-in one with
// the same name.
func WithStrategy(s Strategy) Option {
	return func(c *Client) {
		if s != nil {
			c.strategies[s.Name()] = s
		}
	}
}

// WithOwnerID sets the provider of the id written into lock contenders.
func WithOwnerID(p OwnerIDProvider) Option {
	return func(c *Client) {
		if p != nil {
			c.owners = p
		}
	}
}

// New builds a client on top of store. Call Connect before using it.
func New(store coord.Store, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	c := &Client{
		cfg:     DefaultConfig(),
		store:   store,
		logger:  NopLogger(),
		metrics: NopMetrics(),
		owners:  NewHostOwnerID(),
		strategies: map[string]Strategy{
			StrategyAll: AllStrategy(),
			StrategyAny: AnyStrategy(RandomPicker()),
		},
		handles: map[*ServiceHandle]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.Root == "" {
		c.cfg.Root = DefaultRoot
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	c.paths = NewPathScheme(c.cfg.Root)
	c.sup = newSupervisor(c.cfg, store, c.logger, c.metrics)
	c.resolver = newResolver(c)
	return c, nil
}

// Connect starts the supervisor and blocks until the first session is
// connected, ctx is done or Config.ConnectTimeout elapses. On timeout the
// supervisor keeps trying in the background.
func (c *Client) Connect(ctx context.Context) error {
	if c.sup.closed.Load() {
		return ErrClosed
	}
	c.sup.start()
	return c.sup.awaitFirst(ctx, c.cfg.ConnectTimeout)
}

// Session returns the current connected session. It may be replaced at any
// time; do not keep it beyond a single operation.
func (c *Client) Session() (coord.Session, error) {
	return c.sup.liveSession()
}

// Paths returns the path scheme the client uses.
func (c *Client) Paths() PathScheme {
	return c.paths
}

// Resolver returns the client's resolver.
func (c *Client) Resolver() *Resolver {
	return c.resolver
}

// CreateCoordinate creates the coordinate root and an empty config node.
// Missing ancestors are created; existing ones are fine.
func (c *Client) CreateCoordinate(ctx context.Context, co Coordinate) error {
	if err := co.Validate(); err != nil {
		return err
	}
	sess, err := c.sup.liveSession()
	if err != nil {
		return err
	}
	root := c.paths.CoordinateRoot(co)
	if _, ok, err := sess.Exists(ctx, root); err != nil {
		return storeErr("create coordinate", err)
	} else if ok {
		return fmt.Errorf("%w: %s", ErrCoordinateExists, co)
	}
	if err := coord.MkdirAll(ctx, sess, coord.Parent(root)); err != nil {
		return storeErr("create coordinate", err)
	}
	if _, err := sess.Create(ctx, root, nil, coord.Persistent); err != nil {
		if errors.Is(err, coord.ErrNodeExists) {
			return fmt.Errorf("%w: %s", ErrCoordinateExists, co)
		}
		return storeErr("create coordinate", err)
	}
	if _, err := sess.Create(ctx, c.paths.ConfigPath(co, ""), nil, coord.Persistent); err != nil && !errors.Is(err, coord.ErrNodeExists) {
		return storeErr("create config node", err)
	}
	c.logger.Info("coordinate created", coordField(co))
	return nil
}

// DestroyCoordinate removes an unclaimed coordinate without sub-config and
// returns how many nodes were deleted. Empty service folders are pruned, but
// the namespace root, cell and user levels are always kept.
func (c *Client) DestroyCoordinate(ctx context.Context, co Coordinate) (int, error) {
	if err := co.Validate(); err != nil {
		return 0, err
	}
	sess, err := c.sup.liveSession()
	if err != nil {
		return 0, err
	}
	root := c.paths.CoordinateRoot(co)
	if _, ok, err := sess.Exists(ctx, root); err != nil {
		return 0, storeErr("destroy coordinate", err)
	} else if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCoordinateMissing, co)
	}
	configPath := c.paths.ConfigPath(co, "")
	children, err := sess.Children(ctx, configPath)
	switch {
	case errors.Is(err, coord.ErrNoNode):
	case err != nil:
		return 0, storeErr("destroy coordinate", err)
	case len(children) > 0:
		return 0, fmt.Errorf("%w: %s has %d", ErrCoordinateHasConfig, co, len(children))
	}
	if _, ok, err := sess.Exists(ctx, c.paths.StatusPath(co)); err != nil {
		return 0, storeErr("destroy coordinate", err)
	} else if ok {
		return 0, fmt.Errorf("%w: %s", ErrCoordinateIsClaimed, co)
	}

	deleted := 0
	for _, p := range []string{configPath, root} {
		err := sess.Delete(ctx, p, coord.AnyVersion)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, coord.ErrNoNode), errors.Is(err, coord.ErrNotEmpty):
			c.logger.Warn("destroy skipped node", Field{Key: "path", Value: p}, errField(err))
		default:
			return deleted, storeErr("destroy coordinate", err)
		}
	}
	if deleted < 2 {
		return deleted, fmt.Errorf("%w: removed %d of 2 nodes for %s", ErrDeletionFailed, deleted, co)
	}

	kept := c.paths.keptDepth()
	for p := coord.Parent(root); strings.Count(p, "/") > kept; p = coord.Parent(p) {
		if err := sess.Delete(ctx, p, coord.AnyVersion); err != nil {
			break
		}
		deleted++
	}
	c.logger.Info("coordinate destroyed", coordField(co), Field{Key: "nodes", Value: deleted})
	return deleted, nil
}

// Claim takes exclusive, session-bound ownership of a coordinate. The status
// starts out as STARTING with no endpoints.
func (c *Client) Claim(ctx context.Context, co Coordinate) (*ServiceHandle, error) {
	if err := co.Validate(); err != nil {
		return nil, err
	}
	sess, err := c.sup.liveSession()
	if err != nil {
		return nil, err
	}
	data := newCoordinateData(ServiceStatus{State: StateStarting})
	payload, err := data.encode()
	if err != nil {
		return nil, err
	}
	statusPath := c.paths.StatusPath(co)
	if _, err := sess.Create(ctx, statusPath, payload, coord.Ephemeral); err != nil {
		switch {
		case errors.Is(err, coord.ErrNodeExists):
			return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, co)
		case errors.Is(err, coord.ErrNoNode):
			return nil, fmt.Errorf("%w: %s", ErrCoordinateMissing, co)
		default:
			return nil, storeErr("claim", err)
		}
	}
	_, stat, err := sess.Get(ctx, statusPath)
	if err != nil {
		_ = sess.Delete(ctx, statusPath, coord.AnyVersion)
		return nil, storeErr("claim", err)
	}

	h := newServiceHandle(c, co, sess, data, stat.Version)
	c.mu.Lock()
	c.handles[h] = struct{}{}
	c.mu.Unlock()
	h.start()
	c.metrics.IncCounter("cloudname_claims_total", 1)
	c.logger.Info("coordinate claimed", coordField(co), Field{Key: "session", Value: sess.ID()})
	return h, nil
}

func (c *Client) forget(h *ServiceHandle) {
	c.mu.Lock()
	delete(c.handles, h)
	c.mu.Unlock()
}

// Status reads a coordinate's published status without claiming it. An
// unclaimed coordinate reports UNASSIGNED with no endpoints.
func (c *Client) Status(ctx context.Context, co Coordinate) (ServiceStatus, []Endpoint, error) {
	if err := co.Validate(); err != nil {
		return ServiceStatus{}, nil, err
	}
	sess, err := c.sup.liveSession()
	if err != nil {
		return ServiceStatus{}, nil, err
	}
	raw, _, err := sess.Get(ctx, c.paths.StatusPath(co))
	if errors.Is(err, coord.ErrNoNode) {
		return ServiceStatus{State: StateUnassigned}, nil, nil
	}
	if err != nil {
		return ServiceStatus{}, nil, storeErr("get status", err)
	}
	data, err := decodeCoordinateData(raw)
	if err != nil {
		return ServiceStatus{}, nil, err
	}
	return data.Status, data.endpoints(), nil
}

// Config returns the coordinate's config blob. ok is false when no config has
// been written. An empty blob is stored as no data, so writing "" reads back
// as absent.
func (c *Client) Config(ctx context.Context, co Coordinate) (value string, ok bool, err error) {
	if err := co.Validate(); err != nil {
		return "", false, err
	}
	sess, err := c.sup.liveSession()
	if err != nil {
		return "", false, err
	}
	raw, _, err := sess.Get(ctx, c.paths.ConfigPath(co, ""))
	if errors.Is(err, coord.ErrNoNode) {
		return "", false, fmt.Errorf("%w: %s", ErrCoordinateMissing, co)
	}
	if err != nil {
		return "", false, storeErr("get config", err)
	}
	if len(raw) == 0 {
		return "", false, nil
	}
	return string(raw), true, nil
}

// SetConfig writes the config blob. When previous is non-nil it must equal the
// stored value, and the write is checked against the version that was read.
// Writing "" clears the config as far as Config is concerned.
func (c *Client) SetConfig(ctx context.Context, co Coordinate, value string, previous *string) error {
	if err := co.Validate(); err != nil {
		return err
	}
	sess, err := c.sup.liveSession()
	if err != nil {
		return err
	}
	configPath := c.paths.ConfigPath(co, "")
	version := coord.AnyVersion
	if previous != nil {
		raw, stat, err := sess.Get(ctx, configPath)
		if errors.Is(err, coord.ErrNoNode) {
			return fmt.Errorf("%w: %s", ErrCoordinateMissing, co)
		}
		if err != nil {
			return storeErr("set config", err)
		}
		if string(raw) != *previous {
			return fmt.Errorf("%w: %s", ErrConfigConflict, co)
		}
		version = stat.Version
	}
	if _, err := sess.Set(ctx, configPath, []byte(value), version); err != nil {
		switch {
		case errors.Is(err, coord.ErrBadVersion):
			return fmt.Errorf("%w: %s", ErrConfigConflict, co)
		case errors.Is(err, coord.ErrNoNode):
			return fmt.Errorf("%w: %s", ErrCoordinateMissing, co)
		default:
			return storeErr("set config", err)
		}
	}
	c.logger.Debug("config written", coordField(co))
	return nil
}

// Close releases every open claim, stops live resolver subscriptions and then
// shuts down the supervisor. The client cannot be reused.
func (c *Client) Close() error {
	if c.sup.closed.Load() {
		return nil
	}
	var err error
	c.mu.Lock()
	handles := make([]*ServiceHandle, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()
	for _, h := range handles {
		// The session is closed below, which drops unreachable claims anyway.
		if cerr := h.Close(); cerr != nil && !errors.Is(cerr, ErrNoConnection) {
			err = multierr.Append(err, cerr)
		}
	}
	c.resolver.close()
	err = multierr.Append(err, c.sup.close())
	c.logger.Info("client closed")
	return err
}

func (c *Client) ownerID() string {
	id, err := c.owners.OwnerID()
	if err != nil {
		c.logger.Debug("owner id unavailable", errField(err))
		return ""
	}
	return id
}
