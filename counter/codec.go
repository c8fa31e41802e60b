// Package counter implements the packed-counter codec (component A) and the
// entity and user counter services built on top of it (components C and D).
//
// A packed counter is a single Redis string holding N fixed-width,
// big-endian uint32 segments. Segment indices are 1-based throughout this
// package and every caller that touches a packed-counter key: the source
// material mixes 0-based and 1-based numbering across scripts and callers,
// which is exactly the kind of inconsistency that corrupts a live counter,
// so this port picks 1-based once and holds it everywhere.
package counter

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// addScript performs the atomic read-modify-write at the heart of every
// counter mutation: allocate the buffer if absent or the wrong length,
// decode the targeted segment, add delta with saturation at both ends, and
// write the whole buffer back. It is written in plain Lua string operations
// (string.byte/string.char) rather than the struct library, which the
// embedded interpreter used in tests does not ship.
var addScript = redis.NewScript(`
local key = KEYS[1]
local schemaLen = tonumber(ARGV[1])
local fieldSize = tonumber(ARGV[2])
local idx = tonumber(ARGV[3])
local delta = tonumber(ARGV[4])
local total = schemaLen * fieldSize

local buf = redis.call('GET', key)
if buf == false or #buf ~= total then
	buf = string.rep('\0', total)
end

local offset = (idx - 1) * fieldSize
local b1, b2, b3, b4 = string.byte(buf, offset + 1, offset + 4)
local cur = b1 * 16777216 + b2 * 65536 + b3 * 256 + b4

local newval = cur + delta
if newval < 0 then
	newval = 0
end
if newval > 4294967295 then
	newval = 4294967295
end

local nb1 = math.floor(newval / 16777216) % 256
local nb2 = math.floor(newval / 65536) % 256
local nb3 = math.floor(newval / 256) % 256
local nb4 = newval % 256

local newbuf = string.sub(buf, 1, offset) .. string.char(nb1, nb2, nb3, nb4) .. string.sub(buf, offset + 5)
redis.call('SET', key, newbuf)
return newval
`)

// foldAndDeleteScript combines the aggregation bucket's fold step with its
// field deletion into one round trip, closing the crash window between
// "fold applied" and "bucket field removed" that a two-step flush leaves
// open: a crash between those steps would otherwise double-count on retry
// or lose the delta outright.
var foldAndDeleteScript = redis.NewScript(`
local bucketKey = KEYS[1]
local snapshotKey = KEYS[2]
local field = ARGV[1]
local schemaLen = tonumber(ARGV[2])
local fieldSize = tonumber(ARGV[3])
local idx = tonumber(ARGV[4])
local total = schemaLen * fieldSize

local deltaStr = redis.call('HGET', bucketKey, field)
if deltaStr == false then
	return false
end
local delta = tonumber(deltaStr)

local buf = redis.call('GET', snapshotKey)
if buf == false or #buf ~= total then
	buf = string.rep('\0', total)
end

local offset = (idx - 1) * fieldSize
local b1, b2, b3, b4 = string.byte(buf, offset + 1, offset + 4)
local cur = b1 * 16777216 + b2 * 65536 + b3 * 256 + b4

local newval = cur + delta
if newval < 0 then
	newval = 0
end
if newval > 4294967295 then
	newval = 4294967295
end

local nb1 = math.floor(newval / 16777216) % 256
local nb2 = math.floor(newval / 65536) % 256
local nb3 = math.floor(newval / 256) % 256
local nb4 = newval % 256

local newbuf = string.sub(buf, 1, offset) .. string.char(nb1, nb2, nb3, nb4) .. string.sub(buf, offset + 5)
redis.call('SET', snapshotKey, newbuf)
redis.call('HDEL', bucketKey, field)
return newval
`)

// Codec performs atomic packed-counter mutations and reads against Redis.
type Codec struct {
	client *redis.Client
}

// NewCodec wraps a Redis client for packed-counter operations.
func NewCodec(client *redis.Client) *Codec {
	return &Codec{client: client}
}

// AddSegment atomically adds delta to segment idx (1-based) of the
// schemaLen-segment counter at key, saturating at [0, 2^32-1], and returns
// the resulting value.
func (c *Codec) AddSegment(ctx context.Context, key string, schemaLen, idx int, delta int64) (uint32, error) {
	res, err := addScript.Run(ctx, c.client, []string{key}, schemaLen, FieldSize, idx, delta).Int64()
	if err != nil {
		return 0, fmt.Errorf("counter: add segment %s[%d]: %w", key, idx, err)
	}
	return uint32(res), nil
}

// FoldAndDelete implements events.SegmentFolder: it folds the named bucket
// field into the snapshot's segment and removes the field, atomically.
// handled is false if the field had already been consumed by a concurrent
// flush attempt.
func (c *Codec) FoldAndDelete(ctx context.Context, bucketKey, field, snapshotKey string, schemaLen, idx int) (handled bool, newVal uint32, err error) {
	res, err := foldAndDeleteScript.Run(ctx, c.client, []string{bucketKey, snapshotKey}, field, schemaLen, FieldSize, idx).Result()
	if err == redis.Nil {
		// The script returns false for an absent field, which arrives as a nil reply.
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("counter: fold %s.%s into %s: %w", bucketKey, field, snapshotKey, err)
	}
	if b, ok := res.(bool); ok && !b {
		return false, 0, nil
	}
	n, ok := res.(int64)
	if !ok {
		return false, 0, fmt.Errorf("counter: fold %s.%s: unexpected script result %T", bucketKey, field, res)
	}
	return true, uint32(n), nil
}

// Read fetches and decodes a full snapshot. ok is false when the key is
// absent or has the wrong length for schemaLen, signaling the caller should
// treat the snapshot as corrupt and trigger a rebuild rather than trust a
// zeroed or truncated buffer.
func (c *Codec) Read(ctx context.Context, key string, schemaLen int) (segments []uint32, ok bool, err error) {
	buf, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("counter: read %s: %w", key, err)
	}
	if len(buf) != schemaLen*FieldSize {
		return nil, false, nil
	}
	segments = make([]uint32, schemaLen)
	for i := 0; i < schemaLen; i++ {
		segments[i] = binary.BigEndian.Uint32(buf[i*FieldSize : (i+1)*FieldSize])
	}
	return segments, true, nil
}

// ReadBatch fetches and decodes several snapshots in a single pipelined GET.
// A key that is absent or the wrong length for schemaLen is simply omitted
// from the result rather than treated as an error, matching Read's
// corrupt-snapshot handling but without triggering a rebuild per key — batch
// callers (feed page assembly) need bounded latency more than they need
// every entity healed on the spot.
func (c *Codec) ReadBatch(ctx context.Context, keys []string, schemaLen int) (map[string][]uint32, error) {
	if len(keys) == 0 {
		return map[string][]uint32{}, nil
	}

	pipe := c.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("counter: batch read %d keys: %w", len(keys), err)
	}

	out := make(map[string][]uint32, len(keys))
	want := schemaLen * FieldSize
	for key, cmd := range cmds {
		buf, err := cmd.Bytes()
		if err != nil {
			continue
		}
		if len(buf) != want {
			continue
		}
		segs := make([]uint32, schemaLen)
		for i := 0; i < schemaLen; i++ {
			segs[i] = binary.BigEndian.Uint32(buf[i*FieldSize : (i+1)*FieldSize])
		}
		out[key] = segs
	}
	return out, nil
}

// WriteSnapshot overwrites the full buffer for key. Callers use this only
// while holding the rebuild lock for that entity, since it is a blind
// overwrite with no compare-and-swap against concurrent segment adds.
func (c *Codec) WriteSnapshot(ctx context.Context, key string, segments []uint32) error {
	buf := make([]byte, len(segments)*FieldSize)
	for i, v := range segments {
		binary.BigEndian.PutUint32(buf[i*FieldSize:(i+1)*FieldSize], v)
	}
	if err := c.client.Set(ctx, key, buf, 0).Err(); err != nil {
		return fmt.Errorf("counter: write snapshot %s: %w", key, err)
	}
	return nil
}
