package versionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
)

// casScript swaps the stored document only if its version still equals
// ARGV[1] and it is not tombstoned.
// KEYS[1] = document key, KEYS[2] = live index
// ARGV[1] = expected version, ARGV[2] = new document, ARGV[3] = id,
// ARGV[4] = "1" when the new document is a tombstone
// Returns {1, ""} on success, {0, ""} when missing, {2, current} on mismatch.
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return {0, ""}
end
local doc = cjson.decode(cur)
if doc.deleted or tonumber(doc.version) ~= tonumber(ARGV[1]) then
    return {2, cur}
end
redis.call("SET", KEYS[1], ARGV[2])
if ARGV[4] == "1" then
    redis.call("ZREM", KEYS[2], ARGV[3])
end
return {1, ""}
`)

// createScript inserts a document under a caller-chosen or sequence id.
// KEYS[1] = document key, KEYS[2] = live index, KEYS[3] = id sequence
// ARGV[1] = id, ARGV[2] = document
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("SET", KEYS[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[1])
local seq = tonumber(redis.call("GET", KEYS[3]) or "0")
if seq < tonumber(ARGV[1]) then
    redis.call("SET", KEYS[3], ARGV[1])
end
return 1
`)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps each assignment as one JSON document. Atomicity per id
// comes from the Lua scripts; unrelated ids never contend.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(rdb, opts.Prefix), nil
}

func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "docks:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) docKey(id int64) string { return s.prefix + "assignment:" + strconv.FormatInt(id, 10) }
func (s *RedisStore) indexKey() string { return s.prefix + "assignments" }
func (s *RedisStore) seqKey() string { return s.prefix + "assignment:seq" }

func (s *RedisStore) NextID(ctx context.Context) (int64, error) {
	id, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	return id, nil
}

func (s *RedisStore) Create(ctx context.Context, a dock.Assignment) (dock.Assignment, error) {
	if a.ID == 0 {
		id, err := s.NextID(ctx)
		if err != nil {
			return dock.Assignment{}, err
		}
		a.ID = id
	}
	a.Version = 1
	a.Deleted = false
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	body, err := json.Marshal(a)
	if err != nil {
		return dock.Assignment{}, fmt.Errorf("marshal assignment: %w", err)
	}
	created, err := createScript.Run(ctx, s.client,
		[]string{s.docKey(a.ID), s.indexKey(), s.seqKey()}, a.ID, body).Int()
	if err != nil {
		return dock.Assignment{}, fmt.Errorf("create assignment: %w", err)
	}
	if created == 0 {
		return dock.Assignment{}, ErrDuplicateID
	}
	return a, nil
}

func (s *RedisStore) getRaw(ctx context.Context, id int64) (dock.Assignment, error) {
	body, err := s.client.Get(ctx, s.docKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return dock.Assignment{}, dock.ErrNotFound
		}
		return dock.Assignment{}, err
	}
	return decodeDoc(body)
}

func decodeDoc(body []byte) (dock.Assignment, error) {
	var a dock.Assignment
	if err := json.Unmarshal(body, &a); err != nil {
		return dock.Assignment{}, fmt.Errorf("corrupt assignment document: %w", err)
	}
	return a, nil
}

func (s *RedisStore) Get(ctx context.Context, id int64) (dock.Assignment, error) {
	a, err := s.getRaw(ctx, id)
	if err != nil {
		return dock.Assignment{}, err
	}
	if a.Deleted {
		return dock.Assignment{}, dock.ErrNotFound
	}
	return a, nil
}

func (s *RedisStore) List(ctx context.Context, filter ListFilter) ([]dock.Assignment, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	result := make([]dock.Assignment, 0)
	if len(ids) == 0 {
		return result, nil
	}
	keys := make([]string, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, s.docKey(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	skipped := 0
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		a, err := decodeDoc([]byte(str))
		if err != nil {
			return nil, err
		}
		if !filter.match(a) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		result = append(result, a)
		if len(result) >= filter.limit() {
			break
		}
	}
	return result, nil
}

func (s *RedisStore) CheckAndUpdate(ctx context.Context, id, expected int64, mutate MutateFunc) (dock.Assignment, error) {
	current, err := s.getRaw(ctx, id)
	if err != nil {
		return dock.Assignment{}, err
	}
	if err := checkCurrent(current, expected); err != nil {
		return dock.Assignment{}, err
	}
	next, err := applyMutation(current, mutate)
	if err != nil {
		return dock.Assignment{}, err
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(next)
	if err != nil {
		return dock.Assignment{}, fmt.Errorf("marshal assignment: %w", err)
	}
	tombstone := "0"
	if next.Deleted {
		tombstone = "1"
	}

	res, err := casScript.Run(ctx, s.client, []string{s.docKey(id), s.indexKey()},
		expected, body, id, tombstone).Slice()
	if err != nil {
		return dock.Assignment{}, fmt.Errorf("redis cas: %w", err)
	}
	if len(res) != 2 {
		return dock.Assignment{}, fmt.Errorf("invalid response from cas script")
	}
	status, _ := res[0].(int64)
	switch status {
	case 1:
		return next, nil
	case 0:
		return dock.Assignment{}, dock.ErrNotFound
	default:
		raw, _ := res[1].(string)
		latest, err := decodeDoc([]byte(raw))
		if err != nil {
			return dock.Assignment{}, err
		}
		if cerr := checkCurrent(latest, expected); cerr != nil {
			return dock.Assignment{}, cerr
		}
		return dock.Assignment{}, dock.NewConflict(latest, expected)
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
