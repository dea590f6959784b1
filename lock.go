package cloudname

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suyash-sneo/cloudname/coord"
)

const contenderPrefix = "lock-"

// Lock is an exclusive lock shared by every process that asks for the same
// name at the same scope. Each attempt creates a sequential session-bound
// contender; the lowest live contender holds the lock.
type Lock struct {
	client *Client
	folder string
	logger Logger

	reg    *registration
	notify *dispatcher
	wake   chan struct{}
	cancel context.CancelFunc
	group  *errgroup.Group

	mu           sync.Mutex
	attempting   bool
	held         bool
	node         string
	session      coord.Session
	stale        string
	staleSession coord.Session
	listeners    []LockListener
}

func newLock(c *Client, folder string) *Lock {
	l := &Lock{
		client: c,
		folder: folder,
		logger: c.logger,
		reg:    c.sup.register("lock " + folder),
		notify: newDispatcher(),
		wake:   make(chan struct{}, 1),
	}
	base, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go func() { _ = l.notify.run(base) }()
	group, ctx := errgroup.WithContext(base)
	l.group = group
	group.Go(func() error { return l.run(ctx) })
	return l
}

// Path returns the folder holding the lock's contenders.
func (l *Lock) Path() string {
	return l.folder
}

// Held reports whether this lock object currently holds the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// AddListener registers a listener told when the lock is lost while held.
func (l *Lock) AddListener(listener LockListener) {
	if listener == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// TryLock attempts to take the lock, waiting up to timeout for contenders
// ahead of it to go away. A zero timeout does not wait. It returns false
// without error when the lock could not be taken in time.
func (l *Lock) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	if l.held {
		l.mu.Unlock()
		return true, nil
	}
	if l.attempting {
		l.mu.Unlock()
		return false, fmt.Errorf("lock %s: attempt already in progress", l.folder)
	}
	l.attempting = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.attempting = false
		l.mu.Unlock()
	}()

	l.cleanStale(ctx)
	start := time.Now()
	sess, err := l.client.sup.liveSession()
	if err != nil {
		return false, err
	}
	if err := coord.MkdirAll(ctx, sess, l.folder); err != nil {
		return false, storeErr("create lock folder", err)
	}
	node, err := sess.Create(ctx, l.folder+"/"+contenderPrefix, []byte(l.client.ownerID()), coord.EphemeralSequential)
	if err != nil {
		return false, storeErr("create lock contender", err)
	}
	l.logger.Debug("lock contender created", Field{Key: "node", Value: node})

	deadline := time.Now().Add(timeout)
	for {
		contenders, err := l.contenders(ctx, sess)
		if err != nil {
			l.abandon(ctx, sess, node)
			return false, storeErr("list lock contenders", err)
		}
		idx := indexOf(contenders, coord.Base(node))
		if idx < 0 {
			return false, fmt.Errorf("%w: contender %s vanished", ErrLockNotHeld, node)
		}
		if idx == 0 {
			l.acquired(sess, node, time.Since(start))
			return true, nil
		}
		remaining := time.Until(deadline)
		if timeout <= 0 || remaining <= 0 {
			l.abandon(ctx, sess, node)
			return false, nil
		}

		pred := l.folder + "/" + contenders[idx-1]
		ch, err := sess.Watch(ctx, pred)
		if err != nil {
			l.abandon(ctx, sess, node)
			return false, storeErr("watch lock contender", err)
		}
		if _, ok, err := sess.Exists(ctx, pred); err == nil && !ok {
			continue
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			l.abandon(ctx, sess, node)
			return false, nil
		case <-ctx.Done():
			timer.Stop()
			l.abandon(ctx, sess, node)
			return false, ctx.Err()
		}
	}
}

// contenders lists contender names ordered by sequence number.
func (l *Lock) contenders(ctx context.Context, sess coord.Session) ([]string, error) {
	children, err := sess.Children(ctx, l.folder)
	if err != nil {
		return nil, err
	}
	out := children[:0]
	for _, name := range children {
		if _, ok := contenderSeq(name); ok {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := contenderSeq(out[i])
		b, _ := contenderSeq(out[j])
		return a < b
	})
	return out, nil
}

func contenderSeq(name string) (int64, bool) {
	if !strings.HasPrefix(name, contenderPrefix) {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(name, contenderPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func (l *Lock) acquired(sess coord.Session, node string, waited time.Duration) {
	l.mu.Lock()
	l.held = true
	l.node = node
	l.session = sess
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	l.client.metrics.IncCounter("cloudname_locks_acquired_total", 1)
	l.client.metrics.ObserveHistogram("cloudname_lock_wait_seconds", waited.Seconds())
	l.logger.Info("lock acquired", Field{Key: "lock", Value: l.folder}, Field{Key: "node", Value: node})
}

// abandon removes a contender that gave up. A failed delete leaves it for
// cleanup after the next reconnect.
func (l *Lock) abandon(ctx context.Context, sess coord.Session, node string) {
	err := sess.Delete(context.WithoutCancel(ctx), node, coord.AnyVersion)
	if err == nil || errors.Is(err, coord.ErrNoNode) {
		return
	}
	l.logger.Debug("remove lock contender failed", Field{Key: "node", Value: node}, errField(err))
	l.mu.Lock()
	l.stale, l.staleSession = node, sess
	l.mu.Unlock()
}

// Release gives up the lock so the object can be locked again.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return ErrLockNotHeld
	}
	node, sess := l.node, l.session
	l.held, l.node, l.session = false, "", nil
	l.mu.Unlock()

	l.logger.Info("lock released", Field{Key: "lock", Value: l.folder})
	live, err := l.client.sup.liveSession()
	if err != nil {
		l.markStale(node, sess)
		return err
	}
	if live.ID() != sess.ID() {
		return nil
	}
	if err := live.Delete(ctx, node, coord.AnyVersion); err != nil && !errors.Is(err, coord.ErrNoNode) {
		l.markStale(node, sess)
		return storeErr("release lock", err)
	}
	return nil
}

func (l *Lock) markStale(node string, sess coord.Session) {
	l.mu.Lock()
	l.stale, l.staleSession = node, sess
	l.mu.Unlock()
}

// lose drops the lock after the session went down or the contender vanished.
func (l *Lock) lose(reason string) {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	l.stale, l.staleSession = l.node, l.session
	l.node, l.session = "", nil
	listeners := append([]LockListener(nil), l.listeners...)
	l.notify.post(func() {
		for _, ll := range listeners {
			ll.Lost()
		}
	})
	l.mu.Unlock()
	l.client.metrics.IncCounter("cloudname_locks_lost_total", 1)
	l.logger.Warn("lock lost", Field{Key: "lock", Value: l.folder}, Field{Key: "reason", Value: reason})
}

// cleanStale deletes a contender left behind by a lost or failed attempt, as
// long as it still belongs to the live session.
func (l *Lock) cleanStale(ctx context.Context) {
	l.mu.Lock()
	node, owner := l.stale, l.staleSession
	l.mu.Unlock()
	if node == "" {
		return
	}
	sess, err := l.client.sup.liveSession()
	if err != nil {
		return
	}
	if owner == nil || sess.ID() == owner.ID() {
		if err := sess.Delete(ctx, node, coord.AnyVersion); err != nil && !errors.Is(err, coord.ErrNoNode) {
			l.logger.Debug("remove stale lock contender failed", Field{Key: "node", Value: node}, errField(err))
			return
		}
	}
	l.mu.Lock()
	if l.stale == node {
		l.stale, l.staleSession = "", nil
	}
	l.mu.Unlock()
}

func (l *Lock) run(ctx context.Context) error {
	var nodeWatch <-chan coord.Event
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.reg.done:
			return nil
		case <-l.wake:
			nodeWatch = l.watchNode(ctx)
		case ev := <-l.reg.events:
			switch ev.kind {
			case eventConnectionDown:
				l.lose("connection to storage lost")
				nodeWatch = nil
			case eventConnectionUp:
				l.cleanStale(ctx)
			case eventTick:
				l.cleanStale(ctx)
				if nodeWatch == nil {
					nodeWatch = l.watchNode(ctx)
				}
			}
		case _, ok := <-nodeWatch:
			nodeWatch = nil
			if ok {
				nodeWatch = l.watchNode(ctx)
			} else {
				l.checkNode(ctx)
			}
		}
	}
}

// watchNode arms a watch on the held contender and confirms it still exists.
func (l *Lock) watchNode(ctx context.Context) <-chan coord.Event {
	l.mu.Lock()
	held, node := l.held, l.node
	l.mu.Unlock()
	if !held {
		return nil
	}
	sess, err := l.client.sup.liveSession()
	if err != nil {
		return nil
	}
	ch, err := sess.Watch(ctx, node)
	if err != nil {
		return nil
	}
	if _, ok, err := sess.Exists(ctx, node); err == nil && !ok {
		l.lose("lock contender vanished")
		return nil
	}
	return ch
}

func (l *Lock) checkNode(ctx context.Context) {
	l.mu.Lock()
	held, node := l.held, l.node
	l.mu.Unlock()
	if !held {
		return
	}
	sess, err := l.client.sup.liveSession()
	if err != nil {
		return
	}
	if _, ok, err := sess.Exists(ctx, node); err == nil && !ok {
		l.lose("lock contender vanished")
	}
}

// close releases the lock if held and stops monitoring.
func (l *Lock) close(ctx context.Context) error {
	var err error
	if l.Held() {
		if rerr := l.Release(ctx); rerr != nil && !errors.Is(rerr, ErrNoConnection) && !errors.Is(rerr, ErrLockNotHeld) {
			err = rerr
		}
	} else {
		l.cleanStale(ctx)
	}
	l.reg.close()
	l.cancel()
	_ = l.group.Wait()
	return err
}
