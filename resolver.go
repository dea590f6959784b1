package cloudname

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	goset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/suyash-sneo/cloudname/coord"
)

// Resolver turns address expressions into endpoints and keeps live
// subscriptions current.
type Resolver struct {
	client *Client
	logger Logger

	mu     sync.Mutex
	subs   map[ResolverListener]*subscription
	closed bool
}

func newResolver(c *Client) *Resolver {
	return &Resolver{
		client: c,
		logger: c.logger,
		subs:   map[ResolverListener]*subscription{},
	}
}

// Resolve parses expression and resolves it.
func (r *Resolver) Resolve(ctx context.Context, expression string) ([]Endpoint, error) {
	e, err := ParseExpression(expression)
	if err != nil {
		return nil, err
	}
	return r.ResolveExpression(ctx, e)
}

// ResolveExpression returns the endpoints of RUNNING instances matching e.
// Unclaimed instances are skipped. When e names a strategy the result is
// passed through its Filter and then its Order.
func (r *Resolver) ResolveExpression(ctx context.Context, e Expression) ([]Endpoint, error) {
	strategy, err := r.strategy(e)
	if err != nil {
		return nil, err
	}
	sess, err := r.client.sup.liveSession()
	if err != nil {
		return nil, err
	}
	instances, err := r.instances(ctx, sess, e)
	if err != nil {
		return nil, err
	}

	// Each instance's status is read concurrently into its own slot so the
	// result keeps instance order.
	found := make([][]Endpoint, len(instances))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveReaders)
	for i, instance := range instances {
		g.Go(func() error {
			co := Coordinate{Cell: e.Cell, User: e.User, Service: e.Service, Instance: instance}
			eps, err := r.runningEndpoints(gctx, sess, co, e.Endpoint)
			found[i] = eps
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []Endpoint
	for _, eps := range found {
		out = append(out, eps...)
	}
	if strategy == nil {
		return out, nil
	}
	return strategy.Order(strategy.Filter(out)), nil
}

func (r *Resolver) strategy(e Expression) (Strategy, error) {
	if e.Strategy == "" {
		return nil, nil
	}
	s, ok := r.client.strategies[e.Strategy]
	if !ok {
		// The expression only has a valid shape when it names a registered
		// strategy.
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidExpression, ErrUnknownStrategy, e.Strategy)
	}
	return s, nil
}

// resolveReaders caps concurrent status reads during one resolve.
const resolveReaders = 8

// runningEndpoints reads co's status and returns its endpoints, or only the
// one named endpoint when name is set. Unclaimed, corrupted and non-RUNNING
// coordinates yield nothing.
func (r *Resolver) runningEndpoints(ctx context.Context, sess coord.Session, co Coordinate, name string) ([]Endpoint, error) {
	raw, _, err := sess.Get(ctx, r.client.paths.StatusPath(co))
	if errors.Is(err, coord.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("resolve", err)
	}
	data, err := decodeCoordinateData(raw)
	if err != nil {
		r.logger.Warn("skipping corrupted coordinate", coordField(co), errField(err))
		return nil, nil
	}
	if data.Status.State != StateRunning {
		return nil, nil
	}
	if name == "" {
		return data.endpoints(), nil
	}
	if ep, ok := data.Endpoints[name]; ok {
		return []Endpoint{ep}, nil
	}
	return nil, nil
}

// instances returns the literal instance, or every numbered child of the
// service folder in ascending order.
func (r *Resolver) instances(ctx context.Context, sess coord.Session, e Expression) ([]int, error) {
	if e.HasInstance() {
		return []int{e.Instance}, nil
	}
	children, err := sess.Children(ctx, r.client.paths.ServicePath(e.Cell, e.User, e.Service))
	if errors.Is(err, coord.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("list instances", err)
	}
	out := make([]int, 0, len(children))
	for _, child := range children {
		if n, ok := parseInstance(child); ok {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

// CoordinateDataFilter prunes the namespace walk of Endpoints. A level that
// is rejected is not descended into.
type CoordinateDataFilter interface {
	IncludeCell(cell string) bool
	IncludeUser(user string) bool
	IncludeService(service string) bool
	IncludeEndpointName(name string) bool
	IncludeServiceState(state ServiceState) bool
}

// FilterFuncs is a CoordinateDataFilter built from optional predicates. A nil
// predicate includes everything.
type FilterFuncs struct {
	Cell         func(string) bool
	User         func(string) bool
	Service      func(string) bool
	EndpointName func(string) bool
	State        func(ServiceState) bool
}

func (f FilterFuncs) IncludeCell(cell string) bool {
	return f.Cell == nil || f.Cell(cell)
}

func (f FilterFuncs) IncludeUser(user string) bool {
	return f.User == nil || f.User(user)
}

func (f FilterFuncs) IncludeService(service string) bool {
	return f.Service == nil || f.Service(service)
}

func (f FilterFuncs) IncludeEndpointName(name string) bool {
	return f.EndpointName == nil || f.EndpointName(name)
}

func (f FilterFuncs) IncludeServiceState(state ServiceState) bool {
	return f.State == nil || f.State(state)
}

// Endpoints walks the whole namespace, cell to user to service to instance,
// and returns every endpoint that filter accepts, ordered by key.
func (r *Resolver) Endpoints(ctx context.Context, filter CoordinateDataFilter) ([]Endpoint, error) {
	if filter == nil {
		filter = FilterFuncs{}
	}
	sess, err := r.client.sup.liveSession()
	if err != nil {
		return nil, err
	}
	paths := r.client.paths
	found := goset.NewSet[Endpoint]()

	cells, err := r.children(ctx, sess, paths.Root)
	if err != nil {
		return nil, err
	}
	for _, cell := range cells {
		if !isCellToken(cell) || !filter.IncludeCell(cell) {
			continue
		}
		users, err := r.children(ctx, sess, paths.CellPath(cell))
		if err != nil {
			return nil, err
		}
		for _, user := range users {
			if user == lockFolderName || !filter.IncludeUser(user) {
				continue
			}
			services, err := r.children(ctx, sess, paths.UserPath(cell, user))
			if err != nil {
				return nil, err
			}
			for _, service := range services {
				if service == lockFolderName || !filter.IncludeService(service) {
					continue
				}
				instances, err := r.children(ctx, sess, paths.ServicePath(cell, user, service))
				if err != nil {
					return nil, err
				}
				for _, name := range instances {
					instance, ok := parseInstance(name)
					if !ok {
						continue
					}
					co := Coordinate{Cell: cell, User: user, Service: service, Instance: instance}
					raw, _, err := sess.Get(ctx, paths.StatusPath(co))
					if err != nil {
						if coord.IsConnectivity(err) {
							return nil, storeErr("walk endpoints", err)
						}
						continue
					}
					data, err := decodeCoordinateData(raw)
					if err != nil || !filter.IncludeServiceState(data.Status.State) {
						continue
					}
					for _, ep := range data.Endpoints {
						if filter.IncludeEndpointName(ep.Name) {
							found.Add(ep)
						}
					}
				}
			}
		}
	}
	return sortedByKey(found.ToSlice()), nil
}

func (r *Resolver) children(ctx context.Context, sess coord.Session, p string) ([]string, error) {
	children, err := sess.Children(ctx, p)
	if errors.Is(err, coord.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("walk endpoints", err)
	}
	return children, nil
}

// AddListener subscribes listener to expression. The listener is told about
// connection transitions and, as endpoints come and go, about the matching
// set: the endpoints matching right now are reported as new immediately and
// later changes are found on every tick and every reconnect.
func (r *Resolver) AddListener(ctx context.Context, expression string, listener ResolverListener) error {
	if listener == nil || !reflect.TypeOf(listener).Comparable() {
		return ErrInvalidListener
	}
	e, err := ParseExpression(expression)
	if err != nil {
		return err
	}
	if _, err := r.strategy(e); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, dup := r.subs[listener]; dup {
		r.mu.Unlock()
		return ErrDuplicateListener
	}
	sub := &subscription{
		r:        r,
		expr:     e,
		listener: listener,
		notify:   newDispatcher(),
		known:    map[string]Endpoint{},
	}
	r.subs[listener] = sub
	r.mu.Unlock()

	sub.start(ctx)
	r.logger.Debug("resolver listener added", Field{Key: "expression", Value: e.String()})
	return nil
}

// RemoveListener stops a subscription.
func (r *Resolver) RemoveListener(listener ResolverListener) error {
	if listener == nil || !reflect.TypeOf(listener).Comparable() {
		return ErrInvalidListener
	}
	r.mu.Lock()
	sub, ok := r.subs[listener]
	if ok {
		delete(r.subs, listener)
	}
	r.mu.Unlock()
	if !ok {
		return ErrUnknownListener
	}
	sub.stop()
	r.logger.Debug("resolver listener removed", Field{Key: "expression", Value: sub.expr.String()})
	return nil
}

func (r *Resolver) close() {
	r.mu.Lock()
	r.closed = true
	subs := make([]*subscription, 0, len(r.subs))
	for l, s := range r.subs {
		subs = append(subs, s)
		delete(r.subs, l)
	}
	r.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

// subscription re-resolves one expression for one listener.
type subscription struct {
	r        *Resolver
	expr     Expression
	listener ResolverListener

	reg    *registration
	notify *dispatcher
	cancel context.CancelFunc
	group  *errgroup.Group

	// known is the last resolved set, keyed by Endpoint.Key. Only the
	// subscription goroutine touches it after start.
	known map[string]Endpoint
}

func (s *subscription) start(ctx context.Context) {
	s.reg = s.r.client.sup.register("resolver " + s.expr.String())
	base, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() { _ = s.notify.run(base) }()
	s.refresh(ctx)
	group, runCtx := errgroup.WithContext(base)
	s.group = group
	group.Go(func() error { return s.run(runCtx) })
}

func (s *subscription) stop() {
	s.reg.close()
	s.cancel()
	_ = s.group.Wait()
}

func (s *subscription) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.reg.done:
			return nil
		case ev := <-s.reg.events:
			switch ev.kind {
			case eventConnectionDown:
				s.post(EndpointLostConnection, Endpoint{})
			case eventConnectionUp:
				s.post(EndpointConnectionOK, Endpoint{})
				s.refresh(ctx)
			case eventTick:
				s.refresh(ctx)
			}
		}
	}
}

func (s *subscription) post(ev EndpointEvent, ep Endpoint) {
	l := s.listener
	s.notify.post(func() { l.OnEndpointEvent(ev, ep) })
}

// refresh resolves again and reports the difference to the last result.
func (s *subscription) refresh(ctx context.Context) {
	endpoints, err := s.r.ResolveExpression(ctx, s.expr)
	if err != nil {
		s.r.logger.Debug("live resolve failed", Field{Key: "expression", Value: s.expr.String()}, errField(err))
		return
	}
	current := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		current[ep.Key()] = ep
	}
	for _, key := range sortedKeys(s.known) {
		if _, ok := current[key]; !ok {
			s.post(EndpointRemoved, s.known[key])
		}
	}
	for _, key := range sortedKeys(current) {
		prev, ok := s.known[key]
		switch {
		case !ok:
			s.post(EndpointNew, current[key])
		case prev != current[key]:
			s.post(EndpointModified, current[key])
		}
	}
	s.known = current
}

func sortedKeys(m map[string]Endpoint) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
