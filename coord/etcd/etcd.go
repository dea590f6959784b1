// Package etcd implements coord.Store on etcd. A session is a lease kept alive
// by the client; ephemeral nodes are keys attached to that lease, so etcd
// removes them when the session ends.
package etcd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"

	"github.com/suyash-sneo/cloudname/coord"
)

const (
	defaultNamespace  = "/cloudname"
	defaultSessionTTL = 10 * time.Second
	defaultTimeout    = 5 * time.Second

	nodePrefix = "n"
	seqPrefix  = "s"
)

// Options configure the etcd store.
type Options struct {
	Endpoints   []string
	Username    string
	Password    string
	TLS         *tls.Config
	DialTimeout time.Duration
	// Namespace prefixes every key the store writes.
	Namespace string
	// SessionTTL is the lease TTL. etcd rounds it to whole seconds.
	SessionTTL time.Duration
	// Timeout bounds operations that run without a caller context.
	Timeout time.Duration
}

// Store implements coord.Store on etcd.
type Store struct {
	client  *clientv3.Client
	kv      clientv3.KV
	watcher clientv3.Watcher
	ttl     time.Duration
	timeout time.Duration
}

var _ coord.Store = (*Store)(nil)

// New connects to etcd and makes sure the root node exists.
func New(opts Options) (*Store, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd: at least one endpoint is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultTimeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.SessionTTL < time.Second {
		opts.SessionTTL = defaultSessionTTL
	}
	ns := strings.TrimSpace(opts.Namespace)
	if ns == "" {
		ns = defaultNamespace
	}
	ns = strings.TrimSuffix(ns, "/") + "/"

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		TLS:         opts.TLS,
		Username:    opts.Username,
		Password:    opts.Password,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, opts.Endpoints[0]); err != nil {
		if cerr := client.Close(); cerr != nil {
			return nil, errors.Join(err, fmt.Errorf("failed to close etcd client: %w", cerr))
		}
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	s := &Store{
		client:  client,
		kv:      namespace.NewKV(client.KV, ns),
		watcher: namespace.NewWatcher(client.Watcher, ns),
		ttl:     opts.SessionTTL,
		timeout: opts.Timeout,
	}
	root := nodeKey("/")
	_, err = s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(root), "=", 0)).
		Then(clientv3.OpPut(root, "")).
		Commit()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create root node: %w", err)
	}
	return s, nil
}

// Close releases the etcd client. Sessions must be closed first.
func (s *Store) Close() error {
	return s.client.Close()
}

// Open grants a lease and keeps it alive until the session is closed. Granting
// is retried a few times before giving up.
func (s *Store) Open(ctx context.Context) (coord.Session, error) {
	var lease *clientv3.LeaseGrantResponse
	retrier := retry.NewRetrier(3, 100*time.Millisecond, time.Second)
	err := retrier.Run(func() error {
		if err := ctx.Err(); err != nil {
			return retry.Stop(err)
		}
		var err error
		lease, err = s.client.Grant(ctx, int64(s.ttl/time.Second))
		return err
	})
	if err != nil {
		return nil, connErr(err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ka, err := s.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, connErr(err)
	}

	x := &Session{
		store:    s,
		id:       leaseName(int64(lease.ID)),
		lease:    lease.ID,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    coord.StateConnected,
		lastSeen: time.Now(),
		events:   make(chan coord.SessionEvent, 64),
		watches:  map[*watch]struct{}{},
	}
	x.emit(coord.SessionConnected)
	go x.keepAlive(kaCtx, ka)
	return x, nil
}

func nodeKey(p string) string {
	return nodePrefix + p
}

// childPrefix is the key prefix shared by every descendant of p.
func childPrefix(p string) string {
	if p == "/" {
		return nodePrefix + "/"
	}
	return nodePrefix + p + "/"
}

func leaseName(id int64) string {
	return fmt.Sprintf("%016x", id)
}

func connErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", coord.ErrConnectionLoss, err)
}

// Session is one lease of the etcd store.
type Session struct {
	store  *Store
	id     string
	lease  clientv3.LeaseID
	cancel context.CancelFunc
	done   chan struct{}
	events chan coord.SessionEvent

	mu       sync.Mutex
	state    coord.SessionState
	closing  bool
	lastSeen time.Time
	watches  map[*watch]struct{}
}

var _ coord.Session = (*Session)(nil)

type watch struct {
	out    chan coord.Event
	path   string
	cancel context.CancelFunc
	once   sync.Once
}

// finish delivers ev and closes the watch. Only the first call has effect.
func (w *watch) finish(ev coord.Event) {
	w.once.Do(func() {
		w.cancel()
		w.out <- ev
		close(w.out)
	})
}

func (x *Session) ID() string { return x.id }

func (x *Session) State() coord.SessionState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

func (x *Session) Events() <-chan coord.SessionEvent { return x.events }

func (x *Session) emit(t coord.SessionEventType) {
	select {
	case x.events <- coord.SessionEvent{Type: t, SessionID: x.id}:
	default:
	}
}

func (x *Session) check() error {
	switch x.State() {
	case coord.StateConnected:
		return nil
	case coord.StateConnecting:
		return coord.ErrConnectionLoss
	default:
		return coord.ErrSessionClosed
	}
}

// keepAlive follows the lease keep-alive stream. Missing responses for two
// thirds of the TTL mark the session disconnected; the stream closing means
// etcd or the client gave up on the lease.
func (x *Session) keepAlive(ctx context.Context, ka <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(x.done)
	check := time.NewTicker(x.store.ttl / 6)
	defer check.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ka:
			if !ok {
				if ctx.Err() == nil {
					x.expire()
				}
				return
			}
			x.mu.Lock()
			x.lastSeen = time.Now()
			recovered := x.state == coord.StateConnecting
			if recovered {
				x.state = coord.StateConnected
			}
			x.mu.Unlock()
			if recovered {
				x.emit(coord.SessionConnected)
			}
		case <-check.C:
			x.mu.Lock()
			lost := x.state == coord.StateConnected && time.Since(x.lastSeen) > 2*x.store.ttl/3
			if lost {
				x.state = coord.StateConnecting
			}
			x.mu.Unlock()
			if lost {
				x.emit(coord.SessionDisconnected)
				x.dropWatches(coord.ErrConnectionLoss)
			}
		}
	}
}

func (x *Session) expire() {
	x.mu.Lock()
	if x.state == coord.StateClosed {
		x.mu.Unlock()
		return
	}
	x.state = coord.StateClosed
	x.mu.Unlock()
	_ = x.revoke()
	x.emit(coord.SessionExpired)
	x.dropWatches(coord.ErrSessionClosed)
}

// revoke drops the lease so its keys go away now rather than at TTL.
func (x *Session) revoke() error {
	ctx, cancel := context.WithTimeout(context.Background(), x.store.timeout)
	defer cancel()
	_, err := x.store.client.Revoke(ctx, x.lease)
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return nil
	}
	return err
}

func (x *Session) dropWatches(cause error) {
	x.mu.Lock()
	all := x.watches
	x.watches = map[*watch]struct{}{}
	x.mu.Unlock()
	for w := range all {
		w.finish(coord.Event{Type: coord.EventNotWatching, Path: w.path, Err: cause})
	}
}

func (x *Session) Create(ctx context.Context, p string, data []byte, mode coord.NodeMode) (string, error) {
	if err := coord.ValidatePath(p); err != nil {
		return "", err
	}
	if err := x.check(); err != nil {
		return "", err
	}
	var opts []clientv3.OpOption
	if mode.IsEphemeral() {
		opts = append(opts, clientv3.WithLease(x.lease))
	}
	parent := nodeKey(coord.Parent(p))
	kv := x.store.kv

	for {
		target := p
		conds := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(parent), ">", 0)}
		var ops []clientv3.Op
		if mode == coord.EphemeralSequential {
			seqKey := seqPrefix + coord.Parent(p)
			resp, err := kv.Get(ctx, seqKey)
			if err != nil {
				return "", connErr(err)
			}
			var seq int64
			if len(resp.Kvs) > 0 {
				seq = resp.Kvs[0].Version
			}
			target = fmt.Sprintf("%s%010d", p, seq)
			conds = append(conds, clientv3.Compare(clientv3.Version(seqKey), "=", seq))
			ops = append(ops, clientv3.OpPut(seqKey, ""))
		}
		key := nodeKey(target)
		conds = append(conds, clientv3.Compare(clientv3.CreateRevision(key), "=", 0))
		ops = append(ops, clientv3.OpPut(key, string(data), opts...))

		resp, err := kv.Txn(ctx).If(conds...).Then(ops...).Else(clientv3.OpGet(parent), clientv3.OpGet(key)).Commit()
		if err != nil {
			return "", connErr(err)
		}
		if resp.Succeeded {
			return target, nil
		}
		if len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
			return "", fmt.Errorf("%w: parent of %s", coord.ErrNoNode, p)
		}
		if mode != coord.EphemeralSequential {
			return "", fmt.Errorf("%w: %s", coord.ErrNodeExists, target)
		}
		// Another creator took this sequence number first.
	}
}

func (x *Session) Delete(ctx context.Context, p string, version int64) error {
	if err := coord.ValidatePath(p); err != nil {
		return err
	}
	if err := x.check(); err != nil {
		return err
	}
	key := nodeKey(p)
	conds := []clientv3.Cmp{
		clientv3.Compare(clientv3.CreateRevision(key), ">", 0),
		clientv3.Compare(clientv3.CreateRevision(childPrefix(p)), "=", 0).WithPrefix(),
	}
	if version != coord.AnyVersion {
		conds = append(conds, clientv3.Compare(clientv3.Version(key), "=", version+1))
	}
	resp, err := x.store.kv.Txn(ctx).
		If(conds...).
		Then(clientv3.OpDelete(key), clientv3.OpDelete(seqPrefix+p)).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return connErr(err)
	}
	if resp.Succeeded {
		return nil
	}
	kvs := resp.Responses[0].GetResponseRange().Kvs
	switch {
	case len(kvs) == 0:
		return fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	case version != coord.AnyVersion && kvs[0].Version != version+1:
		return fmt.Errorf("%w: %s", coord.ErrBadVersion, p)
	default:
		return fmt.Errorf("%w: %s", coord.ErrNotEmpty, p)
	}
}

func (x *Session) Get(ctx context.Context, p string) ([]byte, coord.Stat, error) {
	if err := x.check(); err != nil {
		return nil, coord.Stat{}, err
	}
	resp, err := x.store.kv.Get(ctx, nodeKey(p))
	if err != nil {
		return nil, coord.Stat{}, connErr(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, coord.Stat{}, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	stat, err := x.stat(ctx, p, resp.Kvs[0])
	if err != nil {
		return nil, coord.Stat{}, err
	}
	return resp.Kvs[0].Value, stat, nil
}

func (x *Session) Exists(ctx context.Context, p string) (coord.Stat, bool, error) {
	if err := x.check(); err != nil {
		return coord.Stat{}, false, err
	}
	resp, err := x.store.kv.Get(ctx, nodeKey(p))
	if err != nil {
		return coord.Stat{}, false, connErr(err)
	}
	if len(resp.Kvs) == 0 {
		return coord.Stat{}, false, nil
	}
	stat, err := x.stat(ctx, p, resp.Kvs[0])
	return stat, err == nil, err
}

func (x *Session) Set(ctx context.Context, p string, data []byte, version int64) (coord.Stat, error) {
	if err := x.check(); err != nil {
		return coord.Stat{}, err
	}
	key := nodeKey(p)
	conds := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(key), ">", 0)}
	if version != coord.AnyVersion {
		conds = append(conds, clientv3.Compare(clientv3.Version(key), "=", version+1))
	}
	resp, err := x.store.kv.Txn(ctx).
		If(conds...).
		Then(clientv3.OpPut(key, string(data), clientv3.WithIgnoreLease()), clientv3.OpGet(key)).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return coord.Stat{}, connErr(err)
	}
	if !resp.Succeeded {
		if len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
			return coord.Stat{}, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
		}
		return coord.Stat{}, fmt.Errorf("%w: %s", coord.ErrBadVersion, p)
	}
	return x.stat(ctx, p, resp.Responses[1].GetResponseRange().Kvs[0])
}

func (x *Session) stat(ctx context.Context, p string, kv *mvccpb.KeyValue) (coord.Stat, error) {
	children, err := x.children(ctx, p)
	if err != nil {
		return coord.Stat{}, err
	}
	stat := coord.Stat{Version: kv.Version - 1, NumChildren: len(children)}
	if kv.Lease != 0 {
		stat.Owner = leaseName(kv.Lease)
	}
	return stat, nil
}

func (x *Session) Children(ctx context.Context, p string) ([]string, error) {
	if err := x.check(); err != nil {
		return nil, err
	}
	resp, err := x.store.kv.Get(ctx, nodeKey(p), clientv3.WithCountOnly())
	if err != nil {
		return nil, connErr(err)
	}
	if resp.Count == 0 {
		return nil, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	return x.children(ctx, p)
}

// children lists the direct children of p. etcd has no hierarchy, so deeper
// descendants are filtered out of the prefix read.
func (x *Session) children(ctx context.Context, p string) ([]string, error) {
	prefix := childPrefix(p)
	resp, err := x.store.kv.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, connErr(err)
	}
	names := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), prefix)
		if name != "" && !strings.Contains(name, "/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Watch starts at the revision following a read, so nothing that happens
// after the call returns can be missed.
func (x *Session) Watch(ctx context.Context, p string) (<-chan coord.Event, error) {
	if err := x.check(); err != nil {
		return nil, err
	}
	resp, err := x.store.kv.Get(ctx, nodeKey(p), clientv3.WithCountOnly())
	if err != nil {
		return nil, connErr(err)
	}
	rev := resp.Header.Revision + 1

	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(context.Background()))
	w := &watch{out: make(chan coord.Event, 1), path: p, cancel: cancel}
	x.mu.Lock()
	x.watches[w] = struct{}{}
	x.mu.Unlock()

	node := x.store.watcher.Watch(wctx, nodeKey(p), clientv3.WithRev(rev))
	children := x.store.watcher.Watch(wctx, childPrefix(p), clientv3.WithPrefix(), clientv3.WithRev(rev))
	go x.follow(wctx, w, node, children)
	return w.out, nil
}

func (x *Session) follow(ctx context.Context, w *watch, node, children clientv3.WatchChan) {
	defer func() {
		x.mu.Lock()
		delete(x.watches, w)
		x.mu.Unlock()
	}()
	prefix := childPrefix(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-node:
			if !ok || resp.Err() != nil {
				w.finish(coord.Event{Type: coord.EventNotWatching, Path: w.path, Err: coord.ErrConnectionLoss})
				return
			}
			for _, ev := range resp.Events {
				t := coord.EventDataChanged
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					t = coord.EventDeleted
				case ev.IsCreate():
					t = coord.EventCreated
				}
				w.finish(coord.Event{Type: t, Path: w.path})
				return
			}
		case resp, ok := <-children:
			if !ok || resp.Err() != nil {
				w.finish(coord.Event{Type: coord.EventNotWatching, Path: w.path, Err: coord.ErrConnectionLoss})
				return
			}
			for _, ev := range resp.Events {
				name := strings.TrimPrefix(string(ev.Kv.Key), prefix)
				if name == "" || strings.Contains(name, "/") {
					continue
				}
				if ev.Type == clientv3.EventTypeDelete || ev.IsCreate() {
					w.finish(coord.Event{Type: coord.EventChildrenChanged, Path: w.path})
					return
				}
			}
		}
	}
}

// Close stops the keep-alive and revokes the lease, removing the session's
// ephemeral nodes.
func (x *Session) Close() error {
	x.mu.Lock()
	if x.closing {
		x.mu.Unlock()
		return nil
	}
	x.closing = true
	expired := x.state == coord.StateClosed
	x.state = coord.StateClosed
	x.mu.Unlock()

	x.cancel()
	<-x.done

	var err error
	if !expired {
		err = connErr(x.revoke())
	}
	x.dropWatches(coord.ErrSessionClosed)
	return err
}
