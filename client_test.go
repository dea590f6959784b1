package cloudname

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suyash-sneo/cloudname/internal/fakestore"
)

func TestCreateAndDestroyCoordinate(t *testing.T) {
	ctx := context.Background()
	store := fakestore.New()
	c := newTestClient(t, store)
	co := MustCoordinate(1, "webapp", "ops", "us-east")

	require.NoError(t, c.CreateCoordinate(ctx, co))
	assert.Contains(t, store.Dump(), "/cn/us-east/ops/webapp/1/config")
	require.ErrorIs(t, c.CreateCoordinate(ctx, co), ErrCoordinateExists)

	n, err := c.DestroyCoordinate(ctx, co)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "config, coordinate root and the empty service folder")
	dump := store.Dump()
	assert.Contains(t, dump, "/cn/us-east/ops")
	assert.NotContains(t, dump, "/cn/us-east/ops/webapp")

	status, endpoints, err := c.Status(ctx, co)
	require.NoError(t, err)
	assert.Equal(t, StateUnassigned, status.State)
	assert.Empty(t, endpoints)

	_, err = c.DestroyCoordinate(ctx, co)
	assert.ErrorIs(t, err, ErrCoordinateMissing)
}

func TestDestroyKeepsSharedServiceFolder(t *testing.T) {
	ctx := context.Background()
	store := fakestore.New()
	c := newTestClient(t, store)
	one := MustCoordinate(1, "webapp", "ops", "us-east")
	two := MustCoordinate(2, "webapp", "ops", "us-east")
	require.NoError(t, c.CreateCoordinate(ctx, one))
	require.NoError(t, c.CreateCoordinate(ctx, two))

	n, err := c.DestroyCoordinate(ctx, one)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, store.Dump(), "/cn/us-east/ops/webapp/2")
}

func TestDestroyRefusesSubConfig(t *testing.T) {
	ctx := context.Background()
	store := fakestore.New()
	c := newTestClient(t, store)
	co := MustCoordinate(0, "db", "ops", "eu")
	require.NoError(t, c.CreateCoordinate(ctx, co))
	store.Put(c.Paths().ConfigPath(co, "flags"), []byte("x"))

	_, err := c.DestroyCoordinate(ctx, co)
	assert.ErrorIs(t, err, ErrCoordinateHasConfig)
}

func TestDestroyClaimedCoordinate(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, fakestore.New())
	co := MustCoordinate(0, "db", "ops", "eu")
	h := createAndClaim(t, c, co)

	_, err := c.DestroyCoordinate(ctx, co)
	require.ErrorIs(t, err, ErrCoordinateIsClaimed)

	require.NoError(t, h.Release(ctx))
	_, err = c.DestroyCoordinate(ctx, co)
	require.NoError(t, err)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := fakestore.New()
	a := newTestClient(t, store)
	b := newTestClient(t, store)
	co := MustCoordinate(1, "webapp", "ops", "us-east")

	h := createAndClaim(t, a, co)
	_, err := a.Claim(ctx, co)
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	_, err = b.Claim(ctx, co)
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	status, _, err := b.Status(ctx, co)
	require.NoError(t, err)
	assert.Equal(t, StateStarting, status.State)

	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx), "release is idempotent")

	h2, err := b.Claim(ctx, co)
	require.NoError(t, err)
	assert.Equal(t, co, h2.Coordinate())
}

func TestClaimMissingCoordinate(t *testing.T) {
	c := newTestClient(t, fakestore.New())
	_, err := c.Claim(context.Background(), MustCoordinate(9, "ghost", "ops", "eu"))
	assert.ErrorIs(t, err, ErrCoordinateMissing)
}

func TestClaimEndsWithSession(t *testing.T) {
	ctx := context.Background()
	store := fakestore.New()
	a := newTestClient(t, store)
	b := newTestClient(t, store)
	co := MustCoordinate(1, "webapp", "ops", "us-east")
	createAndClaim(t, a, co)

	store.Expire(sessionID(t, a))
	status, _, err := b.Status(ctx, co)
	require.NoError(t, err)
	assert.Equal(t, StateUnassigned, status.State)
	_, err = b.Claim(ctx, co)
	assert.NoError(t, err)
}

func TestStatusReflectsPublishedState(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, fakestore.New())
	co := MustCoordinate(2, "webapp", "ops", "us-east")
	h := publish(t, c, co, StateDraining)

	status, endpoints, err := c.Status(ctx, co)
	require.NoError(t, err)
	assert.Equal(t, StateDraining, status.State)
	require.Len(t, endpoints, 1)
	assert.Equal(t, co, endpoints[0].Coordinate)
	assert.Equal(t, 8082, endpoints[0].Port)

	hs, heps := h.Status()
	assert.Equal(t, status, hs)
	assert.Equal(t, endpoints, heps)
}

func TestConfigCompareAndSet(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, fakestore.New())
	co := MustCoordinate(1, "webapp", "ops", "us-east")
	require.NoError(t, c.CreateCoordinate(ctx, co))

	_, ok, err := c.Config(ctx, co)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetConfig(ctx, co, "v1", nil))
	stale := "v0"
	require.ErrorIs(t, c.SetConfig(ctx, co, "v2", &stale), ErrConfigConflict)
	value, ok, err := c.Config(ctx, co)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", value)

	current := "v1"
	require.NoError(t, c.SetConfig(ctx, co, "v2", &current))
	value, _, err = c.Config(ctx, co)
	require.NoError(t, err)
	assert.Equal(t, "v2", value)

	require.NoError(t, c.SetConfig(ctx, co, "", nil))
	_, ok, err = c.Config(ctx, co)
	require.NoError(t, err)
	assert.False(t, ok, "an empty config reads back as absent")

	missing := MustCoordinate(5, "webapp", "ops", "us-east")
	_, _, err = c.Config(ctx, missing)
	assert.ErrorIs(t, err, ErrCoordinateMissing)
	assert.ErrorIs(t, c.SetConfig(ctx, missing, "x", nil), ErrCoordinateMissing)
}

func TestOperationsWithoutConnection(t *testing.T) {
	ctx := context.Background()
	store := fakestore.New()
	c := newTestClient(t, store, WithConfig(patientConfig()))
	co := MustCoordinate(1, "webapp", "ops", "us-east")

	store.Partition()
	assert.ErrorIs(t, c.CreateCoordinate(ctx, co), ErrNoConnection)
	_, err := c.Claim(ctx, co)
	assert.ErrorIs(t, err, ErrNoConnection)
	_, _, err = c.Status(ctx, co)
	assert.ErrorIs(t, err, ErrNoConnection)
	_, err = c.Resolver().Resolve(ctx, "all.webapp.ops.us-east")
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestInvalidCoordinateRejected(t *testing.T) {
	c := newTestClient(t, fakestore.New())
	bad := Coordinate{Cell: "us-east", User: "Ops", Service: "webapp", Instance: 1}
	assert.ErrorIs(t, c.CreateCoordinate(context.Background(), bad), ErrInvalidCoordinate)
}
