// Package bitmap implements the sharded per-user bitmap fact layer that
// backs like/favorite membership. Each (metric, entity) pair is split into
// fixed-size shards so that a single hot entity never grows one Redis key
// without bound; membership of a user in a shard is a single bit.
package bitmap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ChunkSize is the number of bits held by a single shard. User ids are
// mapped to a (chunk, bit) pair by integer division/modulo against this
// constant.
const ChunkSize = 32768

// Op identifies the direction of a toggle operation.
type Op int

const (
	// OpAdd sets the membership bit (user now has the fact).
	OpAdd Op = iota
	// OpRemove clears the membership bit.
	OpRemove
)

// Result is the outcome of a Toggle call.
type Result int

const (
	// Unchanged means the bit already held the requested state.
	Unchanged Result = 0
	// Changed means the bit flipped and a delta should be emitted.
	Changed Result = 1
	// Unknown means an unrecognized Op was supplied.
	Unknown Result = -1
)

// toggleScript atomically reads the current bit and, if it differs from the
// requested state, flips it. Returning the GETBIT/SETBIT pair as a single
// script closes the read-modify-write race that two discrete calls would
// otherwise have.
var toggleScript = redis.NewScript(`
local cur = redis.call('GETBIT', KEYS[1], ARGV[1])
local target = tonumber(ARGV[2])
if cur == target then
	return 0
end
redis.call('SETBIT', KEYS[1], ARGV[1], target)
if target == 1 then
	redis.call('SADD', KEYS[2], ARGV[3])
end
return 1
`)

// Locate maps a user id onto its shard index and bit offset within the
// shard. uid 32767 -> (chunk 0, bit 32767); uid 32768 -> (chunk 1, bit 0).
func Locate(userID int64) (chunk int64, bit int64) {
	chunk = userID / ChunkSize
	bit = userID % ChunkSize
	return chunk, bit
}

// Key builds the shard key for a given metric/entity/chunk.
func Key(metric, entityType, entityID string, chunk int64) string {
	return fmt.Sprintf("bm:%s:%s:%s:%d", metric, entityType, entityID, chunk)
}

// indexKey names the explicit set of shard indices that have ever held a
// set bit for (metric, entityType, entityID). Enumerating this set instead
// of scanning keys with KEYS avoids the production hazard called out for
// shard and aggregation-bucket discovery.
func indexKey(metric, entityType, entityID string) string {
	return fmt.Sprintf("bm:idx:%s:%s:%s", metric, entityType, entityID)
}

// Store performs bitmap operations against a Redis-compatible client.
type Store struct {
	client *redis.Client
}

// NewStore wraps a Redis client for bitmap operations.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Toggle idempotently sets or clears the membership bit for userID within
// (metric, entityType, entityID). It is commutative and safe to call
// concurrently for different users of the same entity.
func (s *Store) Toggle(ctx context.Context, metric, entityType, entityID string, userID int64, op Op) (Result, error) {
	var target int
	switch op {
	case OpAdd:
		target = 1
	case OpRemove:
		target = 0
	default:
		return Unknown, nil
	}

	chunk, bit := Locate(userID)
	key := Key(metric, entityType, entityID, chunk)
	idx := indexKey(metric, entityType, entityID)

	res, err := toggleScript.Run(ctx, s.client, []string{key, idx}, bit, target, chunk).Int()
	if err != nil {
		return Unknown, fmt.Errorf("bitmap: toggle %s: %w", key, err)
	}
	return Result(res), nil
}

// GetBit is a pure membership read; it never mutates state.
func (s *Store) GetBit(ctx context.Context, metric, entityType, entityID string, userID int64) (bool, error) {
	chunk, bit := Locate(userID)
	key := Key(metric, entityType, entityID, chunk)
	v, err := s.client.GetBit(ctx, key, bit).Result()
	if err != nil {
		return false, fmt.Errorf("bitmap: getbit %s: %w", key, err)
	}
	return v == 1, nil
}

// SumPopulation enumerates every shard ever touched for (metric, entityType,
// entityID) via the explicit index set and pipelines a BITCOUNT across all
// of them, returning the total population (number of users with the fact
// set). This is the read side of the rebuild protocol.
func (s *Store) SumPopulation(ctx context.Context, metric, entityType, entityID string) (int64, error) {
	idx := indexKey(metric, entityType, entityID)
	chunks, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, fmt.Errorf("bitmap: smembers %s: %w", idx, err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(chunks))
	for i, c := range chunks {
		key := fmt.Sprintf("bm:%s:%s:%s:%s", metric, entityType, entityID, c)
		cmds[i] = pipe.BitCount(ctx, key, nil)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("bitmap: pipelined bitcount: %w", err)
	}

	var total int64
	for _, cmd := range cmds {
		n, err := cmd.Result()
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}
