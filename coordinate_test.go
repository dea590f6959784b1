package cloudname

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCoordinate(t *testing.T) {
	co, err := ParseCoordinate("1.webapp.ops.us-east")
	require.NoError(t, err)
	assert.Equal(t, Coordinate{Cell: "us-east", User: "ops", Service: "webapp", Instance: 1}, co)
	assert.Equal(t, "1.webapp.ops.us-east", co.String())

	for _, bad := range []string{
		"",
		"webapp.ops.us-east",
		"x.webapp.ops.us-east",
		"-1.webapp.ops.us-east",
		"1.WebApp.ops.us-east",
		"1.webapp.ops.us_east",
		"1.webapp.ops.cell9",
		"1.locks.ops.us-east",
		"1.webapp.ops.us-east.extra",
	} {
		_, err := ParseCoordinate(bad)
		assert.ErrorIs(t, err, ErrInvalidCoordinate, bad)
	}
}

func TestCoordinateTextRoundTrip(t *testing.T) {
	co := MustCoordinate(3, "db", "alice", "eu")
	raw, err := json.Marshal(map[string]Coordinate{"c": co})
	require.NoError(t, err)
	assert.JSONEq(t, `{"c":"3.db.alice.eu"}`, string(raw))

	var back map[string]Coordinate
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, co, back["c"])
}

func TestPathScheme(t *testing.T) {
	p := NewPathScheme("")
	co := MustCoordinate(1, "webapp", "ops", "us-east")
	assert.Equal(t, "/cn/us-east/ops/webapp/1", p.CoordinateRoot(co))
	assert.Equal(t, "/cn/us-east/ops/webapp/1/status", p.StatusPath(co))
	assert.Equal(t, "/cn/us-east/ops/webapp/1/config", p.ConfigPath(co, ""))
	assert.Equal(t, "/cn/us-east/ops/webapp/1/config/flags", p.ConfigPath(co, "flags"))
	assert.Equal(t, "/cn/us-east/locks/leader", p.LockFolder(co, LockScopeCell, "leader"))
	assert.Equal(t, "/cn/us-east/ops/locks/leader", p.LockFolder(co, LockScopeUser, "leader"))
	assert.Equal(t, "/cn/us-east/ops/webapp/locks/leader", p.LockFolder(co, LockScopeService, "leader"))
	assert.Equal(t, 3, p.keptDepth())
	assert.Equal(t, 4, NewPathScheme("/a/b").keptDepth())
}
