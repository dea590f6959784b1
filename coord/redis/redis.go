package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/suyash-sneo/cloudname/coord"
	"github.com/suyash-sneo/cloudname/internal/redis_scripts"
)

const (
	defaultPrefix     = "cloudname:"
	defaultSessionTTL = 10 * time.Second
)

// Options configure the Redis store.
type Options struct {
	Addr           string
	SentinelAddrs  []string
	SentinelMaster string
	Username       string
	Password       string
	DB             int
	KeyPrefix      string
	TLS            bool

	// SessionTTL is how long a session survives without a heartbeat.
	SessionTTL time.Duration
	// HeartbeatInterval defaults to a third of SessionTTL.
	HeartbeatInterval time.Duration

	// Hooks are installed on the client before the first command.
	Hooks []goredis.Hook
}

// Store implements coord.Store on Redis. Nodes are hashes, children are sets
// and sessions are keys kept alive by heartbeats. Watches are fed from a
// pub/sub channel every mutation publishes to.
type Store struct {
	client    goredis.UniversalClient
	prefix    string
	ttl       time.Duration
	heartbeat time.Duration

	create redis_scripts.Script
	delete redis_scripts.Script
	set    redis_scripts.Script
	reap   redis_scripts.Script
}

var _ coord.Store = (*Store)(nil)

// New creates a Redis-backed store. Supports single instance or Sentinel via UniversalClient.
func New(opts Options) (*Store, error) {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = ttl / 3
	}
	var tlsConfig *tls.Config
	if opts.TLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:      addrs(opts),
		MasterName: opts.SentinelMaster,
		Username:   opts.Username,
		Password:   opts.Password,
		DB:         opts.DB,
		TLSConfig:  tlsConfig,
	})
	for _, h := range opts.Hooks {
		client.AddHook(h)
	}

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	s := &Store{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		heartbeat: heartbeat,
		create:    redis_scripts.NewScript(redis_scripts.Create),
		delete:    redis_scripts.NewScript(redis_scripts.Delete),
		set:       redis_scripts.NewScript(redis_scripts.Set),
		reap:      redis_scripts.NewScript(redis_scripts.Reap),
	}
	if err := client.HSetNX(ctx, s.nodeKey("/"), "ver", 0).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create root node: %w", err)
	}
	return s, nil
}

func addrs(opts Options) []string {
	if len(opts.SentinelAddrs) > 0 {
		return opts.SentinelAddrs
	}
	if opts.Addr != "" {
		return []string{opts.Addr}
	}
	return []string{"127.0.0.1:6379"}
}

// Close releases the Redis client. Sessions must be closed first.
func (s *Store) Close() error {
	return s.client.Close()
}

// Open starts a session: it subscribes to the event channel, then registers
// the session key and starts heartbeating.
func (s *Store) Open(ctx context.Context) (coord.Session, error) {
	id := uuid.NewString()
	sub := s.client.Subscribe(ctx, s.channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, connErr(err)
	}
	_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.sessionKey(id), "1", s.ttl)
		p.SAdd(ctx, s.sessionsSetKey(), id)
		return nil
	})
	if err != nil {
		_ = sub.Close()
		return nil, connErr(err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	x := &Session{
		store:   s,
		id:      id,
		sub:     sub,
		cancel:  cancel,
		state:   coord.StateConnected,
		events:  make(chan coord.SessionEvent, 64),
		watches: map[string][]chan coord.Event{},
	}
	x.emit(coord.SessionConnected)
	x.wg.Add(2)
	go x.heartbeatLoop(loopCtx)
	go x.listen()
	return x, nil
}

// Reap removes the ephemeral nodes of sessions whose key expired and returns
// how many sessions were reaped. Live sessions call it on every heartbeat.
func (s *Store) Reap(ctx context.Context) (int, error) {
	members, err := s.client.SMembers(ctx, s.sessionsSetKey()).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	existsCmds := make([]*goredis.IntCmd, 0, len(members))
	for _, id := range members {
		existsCmds = append(existsCmds, pipe.Exists(ctx, s.sessionKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return 0, err
	}

	var reaped int
	for i, cmd := range existsCmds {
		if cmd.Val() > 0 {
			continue
		}
		if err := s.release(ctx, members[i]); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

func (s *Store) release(ctx context.Context, id string) error {
	_, err := s.reap.Run(ctx, s.client,
		[]string{s.ownedKey(id), s.sessionsSetKey(), s.sessionKey(id)},
		s.prefix, id, s.channel())
	return err
}

func (s *Store) nodeKey(p string) string {
	return s.prefix + "node:" + p
}

func (s *Store) childrenKey(p string) string {
	return s.prefix + "children:" + p
}

func (s *Store) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *Store) ownedKey(id string) string {
	return s.prefix + "owned:" + id
}

func (s *Store) sessionsSetKey() string {
	return s.prefix + "sessions:all"
}

func (s *Store) channel() string {
	return s.prefix + "events"
}

// connErr marks a transport failure as a connectivity error.
func connErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", coord.ErrConnectionLoss, err)
}

// Session is one heartbeating client of the Redis store.
type Session struct {
	store  *Store
	id     string
	sub    *goredis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events chan coord.SessionEvent

	mu      sync.Mutex
	state   coord.SessionState
	closing bool
	watches map[string][]chan coord.Event
}

var _ coord.Session = (*Session)(nil)

func (x *Session) ID() string { return x.id }

func (x *Session) State() coord.SessionState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

func (x *Session) Events() <-chan coord.SessionEvent { return x.events }

// emit drops the event when nobody keeps up with the buffer.
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

func (x *Session) heartbeatLoop(ctx context.Context) {
	defer x.wg.Done()
	t := time.NewTicker(x.store.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			x.beat(ctx)
		}
	}
}

// minBeatTimeout is the shortest deadline a single heartbeat gets.
const minBeatTimeout = 100 * time.Millisecond

func (x *Session) beat(ctx context.Context) {
	s := x.store
	// A dead server must be noticed within about one interval.
	beatCtx, cancel := context.WithTimeout(ctx, max(s.heartbeat, minBeatTimeout))
	alive, err := s.client.SetXX(beatCtx, s.sessionKey(x.id), "1", s.ttl).Result()
	cancel()
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		x.mu.Lock()
		wasConnected := x.state == coord.StateConnected
		if wasConnected {
			x.state = coord.StateConnecting
		}
		x.mu.Unlock()
		if wasConnected {
			x.emit(coord.SessionDisconnected)
			x.dropWatches(coord.ErrConnectionLoss)
		}
	case !alive:
		x.expire(ctx)
	default:
		x.mu.Lock()
		recovered := x.state == coord.StateConnecting
		if recovered {
			x.state = coord.StateConnected
		}
		x.mu.Unlock()
		if recovered {
			x.emit(coord.SessionConnected)
		}
		_, _ = s.Reap(ctx)
	}
}

// expire ends a session whose key timed out while it was cut off.
func (x *Session) expire(ctx context.Context) {
	x.mu.Lock()
	if x.state == coord.StateClosed {
		x.mu.Unlock()
		return
	}
	x.state = coord.StateClosed
	x.mu.Unlock()
	_ = x.store.release(ctx, x.id)
	x.emit(coord.SessionExpired)
	x.dropWatches(coord.ErrSessionClosed)
	x.cancel()
	_ = x.sub.Close()
}

func (x *Session) listen() {
	defer x.wg.Done()
	for {
		msg, err := x.sub.ReceiveMessage(context.Background())
		if err != nil {
			if errors.Is(err, goredis.ErrClosed) || x.State() == coord.StateClosed {
				return
			}
			// The next receive reconnects and resubscribes.
			time.Sleep(x.store.heartbeat / 4)
			continue
		}
		kind, p, ok := strings.Cut(msg.Payload, " ")
		if !ok {
			continue
		}
		var t coord.EventType
		switch kind {
		case "created":
			t = coord.EventCreated
		case "deleted":
			t = coord.EventDeleted
		case "changed":
			t = coord.EventDataChanged
		case "children":
			t = coord.EventChildrenChanged
		default:
			continue
		}
		x.fire(p, coord.Event{Type: t, Path: p})
	}
}

func (x *Session) fire(p string, ev coord.Event) {
	x.mu.Lock()
	ws := x.watches[p]
	delete(x.watches, p)
	x.mu.Unlock()
	for _, ch := range ws {
		ch <- ev
		close(ch)
	}
}

// dropWatches ends every pending watch. Events may have been missed, so
// watchers must re-read.
func (x *Session) dropWatches(cause error) {
	x.mu.Lock()
	all := x.watches
	x.watches = map[string][]chan coord.Event{}
	x.mu.Unlock()
	for p, ws := range all {
		for _, ch := range ws {
			ch <- coord.Event{Type: coord.EventNotWatching, Path: p, Err: cause}
			close(ch)
		}
	}
}

func (x *Session) Create(ctx context.Context, p string, data []byte, mode coord.NodeMode) (string, error) {
	if err := coord.ValidatePath(p); err != nil {
		return "", err
	}
	if err := x.check(); err != nil {
		return "", err
	}
	s := x.store
	parent := coord.Parent(p)
	res, err := s.create.Run(ctx, s.client,
		[]string{s.nodeKey(parent), s.childrenKey(parent), s.sessionKey(x.id), s.ownedKey(x.id)},
		s.prefix, p, coord.Base(p), data, int(mode), x.id, s.channel(), parent)
	if err != nil {
		return "", connErr(err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return "", fmt.Errorf("unexpected create result: %v", res)
	}
	created, _ := vals[1].(string)
	switch code, _ := vals[0].(int64); code {
	case 0:
		return created, nil
	case -1:
		return "", fmt.Errorf("%w: parent of %s", coord.ErrNoNode, p)
	case -2:
		return "", fmt.Errorf("%w: %s", coord.ErrNodeExists, created)
	case -3:
		return "", coord.ErrSessionClosed
	default:
		return "", fmt.Errorf("unexpected create result: %v", res)
	}
}

func (x *Session) Delete(ctx context.Context, p string, version int64) error {
	if err := coord.ValidatePath(p); err != nil {
		return err
	}
	if err := x.check(); err != nil {
		return err
	}
	s := x.store
	parent := coord.Parent(p)
	res, err := s.delete.Run(ctx, s.client,
		[]string{s.nodeKey(p), s.childrenKey(p), s.childrenKey(parent)},
		p, coord.Base(p), version, s.channel(), s.prefix, parent)
	if err != nil {
		return connErr(err)
	}
	switch code, _ := res.(int64); code {
	case 0:
		return nil
	case -1:
		return fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	case -2:
		return fmt.Errorf("%w: %s", coord.ErrBadVersion, p)
	case -3:
		return fmt.Errorf("%w: %s", coord.ErrNotEmpty, p)
	default:
		return fmt.Errorf("unexpected delete result: %v", res)
	}
}

func (x *Session) Get(ctx context.Context, p string) ([]byte, coord.Stat, error) {
	if err := x.check(); err != nil {
		return nil, coord.Stat{}, err
	}
	data, stat, ok, err := x.read(ctx, p)
	if err != nil {
		return nil, coord.Stat{}, err
	}
	if !ok {
		return nil, coord.Stat{}, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	return data, stat, nil
}

func (x *Session) Exists(ctx context.Context, p string) (coord.Stat, bool, error) {
	if err := x.check(); err != nil {
		return coord.Stat{}, false, err
	}
	_, stat, ok, err := x.read(ctx, p)
	return stat, ok, err
}

func (x *Session) read(ctx context.Context, p string) ([]byte, coord.Stat, bool, error) {
	s := x.store
	var (
		fields   *goredis.SliceCmd
		children *goredis.IntCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		fields = pipe.HMGet(ctx, s.nodeKey(p), "data", "ver", "owner")
		children = pipe.SCard(ctx, s.childrenKey(p))
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, coord.Stat{}, false, connErr(err)
	}
	vals := fields.Val()
	if len(vals) != 3 || vals[1] == nil {
		return nil, coord.Stat{}, false, nil
	}
	ver, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return nil, coord.Stat{}, false, fmt.Errorf("node %s: bad version %v", p, vals[1])
	}
	var data []byte
	if d, ok := vals[0].(string); ok {
		data = []byte(d)
	}
	owner, _ := vals[2].(string)
	return data, coord.Stat{Version: ver, NumChildren: int(children.Val()), Owner: owner}, true, nil
}

func (x *Session) Set(ctx context.Context, p string, data []byte, version int64) (coord.Stat, error) {
	if err := x.check(); err != nil {
		return coord.Stat{}, err
	}
	s := x.store
	res, err := s.set.Run(ctx, s.client,
		[]string{s.nodeKey(p), s.childrenKey(p)},
		data, version, s.channel(), p)
	if err != nil {
		return coord.Stat{}, connErr(err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return coord.Stat{}, fmt.Errorf("unexpected set result: %v", res)
	}
	switch code, _ := vals[0].(int64); code {
	case 0:
	case -1:
		return coord.Stat{}, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	case -2:
		return coord.Stat{}, fmt.Errorf("%w: %s", coord.ErrBadVersion, p)
	default:
		return coord.Stat{}, fmt.Errorf("unexpected set result: %v", res)
	}
	ver, _ := vals[1].(int64)
	owner, _ := vals[2].(string)
	n, _ := vals[3].(int64)
	return coord.Stat{Version: ver, NumChildren: int(n), Owner: owner}, nil
}

func (x *Session) Children(ctx context.Context, p string) ([]string, error) {
	if err := x.check(); err != nil {
		return nil, err
	}
	s := x.store
	var (
		exists  *goredis.IntCmd
		members *goredis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		exists = pipe.Exists(ctx, s.nodeKey(p))
		members = pipe.SMembers(ctx, s.childrenKey(p))
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, connErr(err)
	}
	if exists.Val() == 0 {
		return nil, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	names := members.Val()
	sort.Strings(names)
	return names, nil
}

func (x *Session) Watch(_ context.Context, p string) (<-chan coord.Event, error) {
	if err := x.check(); err != nil {
		return nil, err
	}
	ch := make(chan coord.Event, 1)
	x.mu.Lock()
	x.watches[p] = append(x.watches[p], ch)
	x.mu.Unlock()
	return ch, nil
}

// Close stops heartbeating and removes the session's ephemeral nodes.
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
	_ = x.sub.Close()
	x.wg.Wait()

	var err error
	if !expired {
		ctx, cancel := context.WithTimeout(context.Background(), x.store.ttl)
		err = connErr(x.store.release(ctx, x.id))
		cancel()
	}
	x.dropWatches(coord.ErrSessionClosed)
	return err
}
