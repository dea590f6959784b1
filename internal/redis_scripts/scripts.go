package redis_scripts

import (
	"context"
	"crypto/sha1" //nolint:gosec // used for deterministic script hash
	"encoding/hex"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// Create adds a node below an existing parent.
//
// KEYS: parent node, parent children, session, session owned set.
// ARGV: prefix, path, name, data, mode (0 persistent, 1 ephemeral,
// 2 ephemeral sequential), session id, channel, parent path.
// Returns {code, path}: 0 ok, -1 no parent, -2 exists, -3 session gone.
const Create = `
if redis.call("EXISTS", KEYS[1]) == 0 then return {-1, ""} end
local mode = tonumber(ARGV[5])
if mode > 0 and redis.call("EXISTS", KEYS[3]) == 0 then return {-3, ""} end
local path = ARGV[2]
local name = ARGV[3]
if mode == 2 then
	local seq = tostring(redis.call("HINCRBY", KEYS[1], "seq", 1) - 1)
	seq = string.rep("0", 10 - #seq) .. seq
	path = path .. seq
	name = name .. seq
end
local node = ARGV[1] .. "node:" .. path
if redis.call("EXISTS", node) == 1 then return {-2, path} end
local owner = ""
if mode > 0 then owner = ARGV[6] end
redis.call("HSET", node, "data", ARGV[4], "ver", 0, "owner", owner, "seq", 0)
redis.call("SADD", KEYS[2], name)
if mode > 0 then redis.call("SADD", KEYS[4], path) end
redis.call("PUBLISH", ARGV[7], "created " .. path)
redis.call("PUBLISH", ARGV[7], "children " .. ARGV[8])
return {0, path}`

// Delete removes a childless node.
//
// KEYS: node, node children, parent children.
// ARGV: path, name, version (-1 any), channel, prefix, parent path.
// Returns 0 ok, -1 no node, -2 bad version, -3 not empty.
const Delete = `
if redis.call("EXISTS", KEYS[1]) == 0 then return -1 end
local v = tonumber(ARGV[3])
if v >= 0 and tonumber(redis.call("HGET", KEYS[1], "ver")) ~= v then return -2 end
if redis.call("SCARD", KEYS[2]) > 0 then return -3 end
local owner = redis.call("HGET", KEYS[1], "owner")
if owner and owner ~= "" then redis.call("SREM", ARGV[5] .. "owned:" .. owner, ARGV[1]) end
redis.call("DEL", KEYS[1], KEYS[2])
redis.call("SREM", KEYS[3], ARGV[2])
redis.call("PUBLISH", ARGV[4], "deleted " .. ARGV[1])
redis.call("PUBLISH", ARGV[4], "children " .. ARGV[6])
return 0`

// Set replaces node data.
//
// KEYS: node, node children.
// ARGV: data, version (-1 any), channel, path.
// Returns {code, version, owner, children}: 0 ok, -1 no node, -2 bad version.
const Set = `
if redis.call("EXISTS", KEYS[1]) == 0 then return {-1, 0, "", 0} end
local cur = tonumber(redis.call("HGET", KEYS[1], "ver"))
local v = tonumber(ARGV[2])
if v >= 0 and cur ~= v then return {-2, cur, "", 0} end
redis.call("HSET", KEYS[1], "data", ARGV[1], "ver", cur + 1)
redis.call("PUBLISH", ARGV[3], "changed " .. ARGV[4])
local owner = redis.call("HGET", KEYS[1], "owner") or ""
return {0, cur + 1, owner, redis.call("SCARD", KEYS[2])}`

// Reap removes every ephemeral node of a session, deepest first, and forgets
// the session.
//
// KEYS: session owned set, sessions set, session.
// ARGV: prefix, session id, channel.
// Returns the number of nodes removed.
const Reap = `
local paths = redis.call("SMEMBERS", KEYS[1])
table.sort(paths, function(a, b) return a > b end)
local removed = 0
for _, p in ipairs(paths) do
	local node = ARGV[1] .. "node:" .. p
	if redis.call("HGET", node, "owner") == ARGV[2] then
		local parent = string.match(p, "^(.*)/[^/]*$")
		if parent == "" then parent = "/" end
		local name = string.match(p, "[^/]*$")
		redis.call("DEL", node, ARGV[1] .. "children:" .. p)
		redis.call("SREM", ARGV[1] .. "children:" .. parent, name)
		redis.call("PUBLISH", ARGV[3], "deleted " .. p)
		redis.call("PUBLISH", ARGV[3], "children " .. parent)
		removed = removed + 1
	end
end
redis.call("DEL", KEYS[1], KEYS[3])
redis.call("SREM", KEYS[2], ARGV[2])
return removed`

// Script wraps a Lua source and precomputed sha.
type Script struct {
	Source string
	SHA    string
}

// NewScript builds a Script with deterministic sha1.
func NewScript(src string) Script {
	sum := sha1.Sum([]byte(src))
	return Script{
		Source: src,
		SHA:    hex.EncodeToString(sum[:]),
	}
}

// Run evaluates the script by sha and falls back to sending the source when
// the server has not cached it yet.
func (s Script) Run(ctx context.Context, c goredis.Scripter, keys []string, args ...interface{}) (interface{}, error) {
	val, err := c.EvalSha(ctx, s.SHA, keys, args...).Result()
	if err != nil && isNoScript(err) {
		val, err = c.Eval(ctx, s.Source, keys, args...).Result()
	}
	return val, err
}

func isNoScript(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOSCRIPT")
}
