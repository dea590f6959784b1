package fakestore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/suyash-sneo/cloudname/coord"
)

// DefaultSessionTimeout is how long a disconnected session survives before it expires.
const DefaultSessionTimeout = 5 * time.Second

// Store is an in-memory implementation of coord.Store for tests. It keeps a node
// tree, tracks sessions and watches, and exposes hooks to simulate network faults.
type Store struct {
	mu             sync.Mutex
	now            time.Time
	sessionTimeout time.Duration
	partitioned    bool
	openErr        error
	opens          int
	nodes          map[string]*node
	sessions       map[string]*Session
	watches        map[string][]watch
}

type node struct {
	data     []byte
	version  int64
	owner    string
	seq      int64
	children map[string]struct{}
}

type watch struct {
	session string
	ch      chan coord.Event
}

var _ coord.Store = (*Store)(nil)

// New returns a fresh in-memory store containing only the root node.
func New() *Store {
	return &Store{
		now:            time.Now(),
		sessionTimeout: DefaultSessionTimeout,
		nodes: map[string]*node{
			"/": {children: map[string]struct{}{}},
		},
		sessions: map[string]*Session{},
		watches:  map[string][]watch{},
	}
}

// SetSessionTimeout changes how long disconnected sessions survive.
func (s *Store) SetSessionTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionTimeout = d
}

// SetOpenError makes subsequent Open calls fail with err (nil clears it).
func (s *Store) SetOpenError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// Opens returns how many sessions have been opened.
func (s *Store) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Advance moves the internal clock forward and expires sessions that stayed
// disconnected longer than the session timeout.
func (s *Store) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
	for id, sess := range s.sessions {
		if sess.state == coord.StateConnecting && !sess.disconnectedAt.IsZero() &&
			!s.now.Before(sess.disconnectedAt.Add(s.sessionTimeout)) {
			s.expireLocked(id)
		}
	}
}

// Open implements coord.Store.
func (s *Store) Open(_ context.Context) (coord.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.opens++
	sess := &Session{
		store:  s,
		id:     uuid.NewString(),
		state:  coord.StateConnecting,
		events: make(chan coord.SessionEvent, 64),
	}
	s.sessions[sess.id] = sess
	if !s.partitioned {
		sess.state = coord.StateConnected
		sess.emit(coord.SessionConnected)
	}
	return sess, nil
}

// Partition disconnects every session and keeps new sessions in the connecting
// state until Heal is called.
func (s *Store) Partition() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitioned = true
	for _, sess := range s.sessions {
		s.disconnectLocked(sess)
	}
}

// Heal ends a partition and reconnects every live session.
func (s *Store) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitioned = false
	for _, sess := range s.sessions {
		if sess.state == coord.StateConnecting {
			sess.state = coord.StateConnected
			sess.disconnectedAt = time.Time{}
			sess.emit(coord.SessionConnected)
		}
	}
}

// Disconnect moves a single session to the connecting state.
func (s *Store) Disconnect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		s.disconnectLocked(sess)
	}
}

// Reconnect restores a disconnected session.
func (s *Store) Reconnect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.state == coord.StateConnecting {
		sess.state = coord.StateConnected
		sess.disconnectedAt = time.Time{}
		sess.emit(coord.SessionConnected)
	}
}

// Expire ends a session as if the backend timed it out.
func (s *Store) Expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(id)
}

// Sessions returns the ids of live sessions.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dump returns every node path in the tree, sorted.
func (s *Store) Dump() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.nodes))
	for p := range s.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Put writes a node directly, bypassing sessions. Missing ancestors are created.
func (s *Store) Put(p string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	cur := ""
	for _, part := range parts {
		parent := cur
		if parent == "" {
			parent = "/"
		}
		cur += "/" + part
		if _, ok := s.nodes[cur]; !ok {
			s.nodes[cur] = &node{children: map[string]struct{}{}}
			s.nodes[parent].children[part] = struct{}{}
			s.fireLocked(cur, coord.EventCreated)
			s.fireLocked(parent, coord.EventChildrenChanged)
		}
	}
	n := s.nodes[p]
	n.data = append([]byte(nil), data...)
	n.version++
	s.fireLocked(p, coord.EventDataChanged)
}

func (s *Store) disconnectLocked(sess *Session) {
	if sess.state != coord.StateConnected {
		return
	}
	sess.state = coord.StateConnecting
	sess.disconnectedAt = s.now
	sess.emit(coord.SessionDisconnected)
}

func (s *Store) expireLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.emit(coord.SessionExpired)
	s.endLocked(sess)
}

func (s *Store) endLocked(sess *Session) {
	sess.state = coord.StateClosed
	delete(s.sessions, sess.id)
	var owned []string
	for p, n := range s.nodes {
		if n.owner == sess.id {
			owned = append(owned, p)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(owned)))
	for _, p := range owned {
		s.removeLocked(p)
	}
	for p, ws := range s.watches {
		kept := ws[:0]
		for _, w := range ws {
			if w.session == sess.id {
				w.ch <- coord.Event{Type: coord.EventNotWatching, Path: p, Err: coord.ErrSessionClosed}
				close(w.ch)
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(s.watches, p)
		} else {
			s.watches[p] = kept
		}
	}
}

func (s *Store) removeLocked(p string) {
	parent := coord.Parent(p)
	delete(s.nodes, p)
	if pn, ok := s.nodes[parent]; ok {
		delete(pn.children, coord.Base(p))
	}
	s.fireLocked(p, coord.EventDeleted)
	s.fireLocked(parent, coord.EventChildrenChanged)
}

func (s *Store) fireLocked(p string, t coord.EventType) {
	ws := s.watches[p]
	if len(ws) == 0 {
		return
	}
	delete(s.watches, p)
	for _, w := range ws {
		w.ch <- coord.Event{Type: t, Path: p}
		close(w.ch)
	}
}

// Session is a fake session bound to a Store.
type Session struct {
	store          *Store
	id             string
	state          coord.SessionState
	disconnectedAt time.Time
	events         chan coord.SessionEvent
}

var _ coord.Session = (*Session)(nil)

// emit must be called with the store lock held. Events are dropped when the
// buffer is full.
func (x *Session) emit(t coord.SessionEventType) {
	select {
	case x.events <- coord.SessionEvent{Type: t, SessionID: x.id}:
	default:
	}
}

func (x *Session) ID() string { return x.id }

func (x *Session) State() coord.SessionState {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()
	return x.state
}

func (x *Session) Events() <-chan coord.SessionEvent { return x.events }

func (x *Session) check() error {
	switch x.state {
	case coord.StateConnected:
		return nil
	case coord.StateConnecting:
		return coord.ErrConnectionLoss
	default:
		return coord.ErrSessionClosed
	}
}

func (x *Session) Create(_ context.Context, p string, data []byte, mode coord.NodeMode) (string, error) {
	if err := coord.ValidatePath(p); err != nil {
		return "", err
	}
	s := x.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := x.check(); err != nil {
		return "", err
	}
	parent := coord.Parent(p)
	pn, ok := s.nodes[parent]
	if !ok {
		return "", fmt.Errorf("%w: parent of %s", coord.ErrNoNode, p)
	}
	if mode == coord.EphemeralSequential {
		p = fmt.Sprintf("%s%010d", p, pn.seq)
		pn.seq++
	}
	if _, exists := s.nodes[p]; exists {
		return "", fmt.Errorf("%w: %s", coord.ErrNodeExists, p)
	}
	n := &node{
		data:     append([]byte(nil), data...),
		children: map[string]struct{}{},
	}
	if mode.IsEphemeral() {
		n.owner = x.id
	}
	s.nodes[p] = n
	pn.children[coord.Base(p)] = struct{}{}
	s.fireLocked(p, coord.EventCreated)
	s.fireLocked(parent, coord.EventChildrenChanged)
	return p, nil
}

func (x *Session) Delete(_ context.Context, p string, version int64) error {
	if err := coord.ValidatePath(p); err != nil {
		return err
	}
	s := x.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := x.check(); err != nil {
		return err
	}
	n, ok := s.nodes[p]
	if !ok {
		return fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	if version != coord.AnyVersion && version != n.version {
		return fmt.Errorf("%w: %s", coord.ErrBadVersion, p)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("%w: %s", coord.ErrNotEmpty, p)
	}
	s.removeLocked(p)
	return nil
}

func (x *Session) Get(_ context.Context, p string) ([]byte, coord.Stat, error) {
	s := x.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := x.check(); err != nil {
		return nil, coord.Stat{}, err
	}
	n, ok := s.nodes[p]
	if !ok {
		return nil, coord.Stat{}, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	return append([]byte(nil), n.data...), n.stat(), nil
}

func (x *Session) Set(_ context.Context, p string, data []byte, version int64) (coord.Stat, error) {
	s := x.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := x.check(); err != nil {
		return coord.Stat{}, err
	}
	n, ok := s.nodes[p]
	if !ok {
		return coord.Stat{}, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	if version != coord.AnyVersion && version != n.version {
		return coord.Stat{}, fmt.Errorf("%w: %s", coord.ErrBadVersion, p)
	}
	n.data = append([]byte(nil), data...)
	n.version++
	s.fireLocked(p, coord.EventDataChanged)
	return n.stat(), nil
}

func (x *Session) Children(_ context.Context, p string) ([]string, error) {
	s := x.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := x.check(); err != nil {
		return nil, err
	}
	n, ok := s.nodes[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (x *Session) Exists(_ context.Context, p string) (coord.Stat, bool, error) {
	s := x.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := x.check(); err != nil {
		return coord.Stat{}, false, err
	}
	n, ok := s.nodes[p]
	if !ok {
		return coord.Stat{}, false, nil
	}
	return n.stat(), true, nil
}

func (x *Session) Watch(_ context.Context, p string) (<-chan coord.Event, error) {
	s := x.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := x.check(); err != nil {
		return nil, err
	}
	ch := make(chan coord.Event, 1)
	s.watches[p] = append(s.watches[p], watch{session: x.id, ch: ch})
	return ch, nil
}

// Close ends the session and removes its ephemeral nodes.
func (x *Session) Close() error {
	s := x.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if x.state == coord.StateClosed {
		return nil
	}
	s.endLocked(x)
	return nil
}

func (n *node) stat() coord.Stat {
	return coord.Stat{Version: n.version, NumChildren: len(n.children), Owner: n.owner}
}
