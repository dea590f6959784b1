package cloudname

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suyash-sneo/cloudname/coord"
	"github.com/suyash-sneo/cloudname/internal/fakestore"
)

type lockPair struct {
	store  *fakestore.Store
	a, b   *Client
	la, lb *Lock
}

// newLockPair claims two instances of one service from two clients and
// returns a service-scoped lock of the same name for each.
func newLockPair(t *testing.T, cfg Config) lockPair {
	t.Helper()
	store := fakestore.New()
	a := newTestClient(t, store, WithConfig(cfg))
	b := newTestClient(t, store)
	ha := createAndClaim(t, a, MustCoordinate(1, "webapp", "ops", "us-east"))
	hb := createAndClaim(t, b, MustCoordinate(2, "webapp", "ops", "us-east"))
	la, err := ha.Lock(LockScopeService, "leader")
	require.NoError(t, err)
	lb, err := hb.Lock(LockScopeService, "leader")
	require.NoError(t, err)
	require.Equal(t, la.Path(), lb.Path())
	return lockPair{store: store, a: a, b: b, la: la, lb: lb}
}

func contenderCount(t *testing.T, c *Client, folder string) int {
	t.Helper()
	sess, err := c.Session()
	require.NoError(t, err)
	children, err := sess.Children(context.Background(), folder)
	require.NoError(t, err)
	return len(children)
}

func TestLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	p := newLockPair(t, testConfig())

	ok, err := p.la.TryLock(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = p.la.TryLock(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok, "taking a held lock again succeeds")

	ok, err = p.lb.TryLock(ctx, 0)
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, 1, contenderCount(t, p.b, p.lb.Path()), "a failed attempt leaves no contender")

	got := make(chan bool, 1)
	go func() {
		ok, _ := p.lb.TryLock(ctx, waitTimeout)
		got <- ok
	}()
	select {
	case <-got:
		t.Fatalf("second contender acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.la.Release(ctx))
	assert.False(t, p.la.Held())
	select {
	case ok := <-got:
		require.True(t, ok)
	case <-time.After(waitTimeout):
		t.Fatalf("waiting contender never acquired the lock")
	}
	assert.True(t, p.lb.Held())
	assert.ErrorIs(t, p.la.Release(ctx), ErrLockNotHeld)
}

func TestLockWaitHonoursContext(t *testing.T) {
	p := newLockPair(t, testConfig())
	ok, err := p.la.TryLock(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ok, err = p.lb.TryLock(ctx, time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ok)
	assert.Equal(t, 1, contenderCount(t, p.b, p.lb.Path()))

	ok, err = p.lb.TryLock(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockLostOnDisconnect(t *testing.T) {
	ctx := context.Background()
	p := newLockPair(t, patientConfig())
	lost := newLostCounter()
	p.la.AddListener(lost)
	ok, err := p.la.TryLock(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	id := sessionID(t, p.a)
	p.store.Disconnect(id)
	select {
	case <-lost.lost:
	case <-time.After(waitTimeout):
		t.Fatalf("lock loss not reported")
	}
	assert.False(t, p.la.Held())

	// Back on the same session the leftover contender is cleaned up.
	p.store.Reconnect(id)
	require.Eventually(t, func() bool {
		return contenderCount(t, p.b, p.la.Path()) == 0
	}, waitTimeout, 5*time.Millisecond)

	ok, err = p.la.TryLock(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockPassesOnWhenHolderExpires(t *testing.T) {
	ctx := context.Background()
	p := newLockPair(t, testConfig())
	ok, err := p.la.TryLock(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	got := make(chan bool, 1)
	go func() {
		ok, _ := p.lb.TryLock(ctx, waitTimeout)
		got <- ok
	}()
	p.store.Expire(sessionID(t, p.a))

	select {
	case ok := <-got:
		require.True(t, ok)
	case <-time.After(waitTimeout):
		t.Fatalf("lock not passed on after holder expired")
	}
	require.Eventually(t, func() bool { return !p.la.Held() }, waitTimeout, 5*time.Millisecond)
}

func TestLockVanishedContender(t *testing.T) {
	ctx := context.Background()
	p := newLockPair(t, testConfig())
	lost := newLostCounter()
	p.la.AddListener(LockListenerFunc(lost.Lost))
	ok, err := p.la.TryLock(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	sess, err := p.b.Session()
	require.NoError(t, err)
	children, err := sess.Children(ctx, p.la.Path())
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.NoError(t, sess.Delete(ctx, p.la.Path()+"/"+children[0], coord.AnyVersion))

	select {
	case <-lost.lost:
	case <-time.After(waitTimeout):
		t.Fatalf("vanished contender not reported")
	}
	assert.False(t, p.la.Held())
}

func TestLockReleasedWithHandle(t *testing.T) {
	ctx := context.Background()
	store := fakestore.New()
	c := newTestClient(t, store)
	h := createAndClaim(t, c, MustCoordinate(1, "webapp", "ops", "us-east"))
	l, err := h.Lock(LockScopeCell, "migrations")
	require.NoError(t, err)
	assert.Equal(t, "/cn/us-east/locks/migrations", l.Path())
	ok, err := l.TryLock(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.Release(ctx))
	assert.False(t, l.Held())
	assert.Equal(t, 0, contenderCount(t, c, l.Path()))

	_, err = h.Lock(LockScopeCell, "again")
	assert.ErrorIs(t, err, ErrClaimLost)
	_, err = createAndClaim(t, c, MustCoordinate(2, "webapp", "ops", "us-east")).Lock(LockScopeCell, "Bad Name")
	assert.Error(t, err)
}
