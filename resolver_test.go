package cloudname

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suyash-sneo/cloudname/internal/fakestore"
)

// seedService publishes webapp.ops.us-east with instances 0 and 1 running,
// 2 draining, 3 created but unclaimed and 4 holding a corrupted status.
func seedService(t *testing.T, store *fakestore.Store, c *Client) map[int]*ServiceHandle {
	t.Helper()
	ctx := context.Background()
	handles := map[int]*ServiceHandle{
		0: publish(t, c, MustCoordinate(0, "webapp", "ops", "us-east"), StateRunning),
		1: publish(t, c, MustCoordinate(1, "webapp", "ops", "us-east"), StateRunning),
		2: publish(t, c, MustCoordinate(2, "webapp", "ops", "us-east"), StateDraining),
	}
	require.NoError(t, handles[0].PutEndpoint(ctx, Endpoint{Name: "admin", Host: "10.0.0.1", Port: 9990}))
	require.NoError(t, c.CreateCoordinate(ctx, MustCoordinate(3, "webapp", "ops", "us-east")))
	store.Put(c.Paths().StatusPath(MustCoordinate(4, "webapp", "ops", "us-east")), []byte("%%"))
	return handles
}

func endpointNames(eps []Endpoint) []string {
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.Key()
	}
	return out
}

func TestResolveExpressions(t *testing.T) {
	ctx := context.Background()
	store := fakestore.New()
	c := newTestClient(t, store)
	seedService(t, store, c)
	r := c.Resolver()

	cases := map[string][]string{
		"all.webapp.ops.us-east":       {"0.webapp.ops.us-east/admin", "0.webapp.ops.us-east/http", "1.webapp.ops.us-east/http"},
		"http.all.webapp.ops.us-east":  {"0.webapp.ops.us-east/http", "1.webapp.ops.us-east/http"},
		"0.webapp.ops.us-east":         {"0.webapp.ops.us-east/admin", "0.webapp.ops.us-east/http"},
		"admin.0.webapp.ops.us-east":   {"0.webapp.ops.us-east/admin"},
		"http.2.webapp.ops.us-east":    {},
		"3.webapp.ops.us-east":         {},
		"4.webapp.ops.us-east":         {},
		"http.any.missing.ops.us-east": {},
		"admin.1.webapp.ops.us-east":   {},
	}
	for expr, want := range cases {
		got, err := r.Resolve(ctx, expr)
		require.NoError(t, err, expr)
		assert.Equal(t, want, endpointNames(got), expr)
	}

	got, err := r.Resolve(ctx, "http.any.webapp.ops.us-east")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "http", got[0].Name)
}

func TestResolveKeepsInstanceOrderUnderConcurrentReads(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, fakestore.New())
	n := 3*resolveReaders + 1
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		co := MustCoordinate(i, "batch", "ops", "us-east")
		state := StateRunning
		if i%5 == 4 {
			state = StateStarting
		} else {
			want = append(want, co.String()+"/http")
		}
		publish(t, c, co, state)
	}

	got, err := c.Resolver().Resolve(ctx, "http.all.batch.ops.us-east")
	require.NoError(t, err)
	assert.Equal(t, want, endpointNames(got))
}

func TestResolveSkipsDrainingButStatusShowsIt(t *testing.T) {
	ctx := context.Background()
	store := fakestore.New()
	c := newTestClient(t, store)
	co := MustCoordinate(2, "webapp", "ops", "us-east")
	publish(t, c, co, StateDraining)

	got, err := c.Resolver().Resolve(ctx, "2.webapp.ops.us-east")
	require.NoError(t, err)
	assert.Empty(t, got)

	status, endpoints, err := c.Status(ctx, co)
	require.NoError(t, err)
	assert.Equal(t, StateDraining, status.State)
	assert.Len(t, endpoints, 1)
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, fakestore.New())
	r := c.Resolver()

	for _, expr := range []string{"nope.webapp.ops.us-east", "http.nope.webapp.ops.us-east"} {
		_, err := r.Resolve(ctx, expr)
		assert.ErrorIs(t, err, ErrInvalidExpression, expr)
		assert.ErrorIs(t, err, ErrUnknownStrategy, expr)
	}
	_, err := r.Resolve(ctx, "HTTP.1.webapp.ops.us-east")
	assert.ErrorIs(t, err, ErrInvalidExpression)
}

func TestCustomStrategy(t *testing.T) {
	ctx := context.Background()
	store := fakestore.New()
	c := newTestClient(t, store, WithStrategy(PreferenceStrategy("prefer", "me")))
	seedService(t, store, c)

	got, err := c.Resolver().Resolve(ctx, "http.prefer.webapp.ops.us-east")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0.webapp.ops.us-east/http", "1.webapp.ops.us-east/http"}, endpointNames(got))
}

func TestEndpointsWalk(t *testing.T) {
	ctx := context.Background()
	store := fakestore.New()
	c := newTestClient(t, store)
	handles := seedService(t, store, c)
	publish(t, c, MustCoordinate(0, "db", "data", "eu-west"), StateRunning)
	store.Put("/cn/Not_A_Cell/x/y/0/status", []byte("{}"))

	lock, err := handles[0].Lock(LockScopeUser, "leader")
	require.NoError(t, err)
	ok, err := lock.TryLock(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	all, err := c.Resolver().Endpoints(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"0.db.data.eu-west/http",
		"0.webapp.ops.us-east/admin",
		"0.webapp.ops.us-east/http",
		"1.webapp.ops.us-east/http",
		"2.webapp.ops.us-east/http",
	}, endpointNames(all))

	running, err := c.Resolver().Endpoints(ctx, FilterFuncs{
		Cell:         func(cell string) bool { return cell == "us-east" },
		EndpointName: func(name string) bool { return name == "http" },
		State:        func(s ServiceState) bool { return s == StateRunning },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"0.webapp.ops.us-east/http", "1.webapp.ops.us-east/http"}, endpointNames(running))
}

func TestResolverListenerFollowsChanges(t *testing.T) {
	ctx := context.Background()
	store := fakestore.New()
	c := newTestClient(t, store, WithConfig(patientConfig()))
	h0 := publish(t, c, MustCoordinate(0, "webapp", "ops", "us-east"), StateRunning)
	r := c.Resolver()

	rec := newEndpointRecorder()
	require.NoError(t, r.AddListener(ctx, "http.all.webapp.ops.us-east", rec))
	ev := rec.await(t, EndpointNew)
	assert.Equal(t, "0.webapp.ops.us-east/http", ev.endpoint.Key())

	h1 := publish(t, c, MustCoordinate(1, "webapp", "ops", "us-east"), StateRunning)
	ev = rec.await(t, EndpointNew)
	assert.Equal(t, "1.webapp.ops.us-east/http", ev.endpoint.Key())

	require.NoError(t, h1.SetStatus(ctx, ServiceStatus{State: StateDraining}))
	ev = rec.await(t, EndpointRemoved)
	assert.Equal(t, "1.webapp.ops.us-east/http", ev.endpoint.Key())

	require.NoError(t, h0.PutEndpoint(ctx, Endpoint{Name: "http", Host: "10.0.0.9", Port: 80}))
	ev = rec.await(t, EndpointModified)
	assert.Equal(t, "10.0.0.9", ev.endpoint.Host)

	id := sessionID(t, c)
	store.Disconnect(id)
	rec.await(t, EndpointLostConnection)
	store.Reconnect(id)
	rec.await(t, EndpointConnectionOK)

	require.NoError(t, r.RemoveListener(rec))
	assert.ErrorIs(t, r.RemoveListener(rec), ErrUnknownListener)
}

type sliceListener []Endpoint

func (sliceListener) OnEndpointEvent(EndpointEvent, Endpoint) {}

func TestResolverListenerRegistration(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, fakestore.New())
	r := c.Resolver()
	rec := newEndpointRecorder()

	require.NoError(t, r.AddListener(ctx, "all.webapp.ops.us-east", rec))
	assert.ErrorIs(t, r.AddListener(ctx, "any.webapp.ops.us-east", rec), ErrDuplicateListener)
	assert.ErrorIs(t, r.AddListener(ctx, "all.webapp.ops.us-east", nil), ErrInvalidListener)
	assert.ErrorIs(t, r.AddListener(ctx, "all.webapp.ops.us-east", sliceListener{}), ErrInvalidListener)
	assert.ErrorIs(t, r.RemoveListener(sliceListener{}), ErrInvalidListener)
	for _, expr := range []string{"nope.webapp.ops.us-east", "http.nope.webapp.ops.us-east"} {
		err := r.AddListener(ctx, expr, newEndpointRecorder())
		assert.ErrorIs(t, err, ErrInvalidExpression, expr)
		assert.ErrorIs(t, err, ErrUnknownStrategy, expr)
	}
	assert.ErrorIs(t, r.AddListener(ctx, "Bad", newEndpointRecorder()), ErrInvalidExpression)
	assert.ErrorIs(t, r.RemoveListener(newEndpointRecorder()), ErrUnknownListener)
}

func TestClosedResolverRejectsListeners(t *testing.T) {
	c, err := New(fakestore.New(), WithConfig(testConfig()))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Resolver().AddListener(context.Background(), "all.webapp.ops.us-east", newEndpointRecorder()))
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Resolver().AddListener(context.Background(), "all.webapp.ops.us-east", newEndpointRecorder()), ErrClosed)
}
