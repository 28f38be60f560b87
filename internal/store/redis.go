package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"catalog/ingest/internal/domain"

	"github.com/redis/go-redis/v9"
)

// Key layout under the configured prefix:
//
//	item:<id>        hash with the work item fields
//	queue            zset of unclaimed pending ids, scored by discovery time
//	claimed          zset of claimed pending ids, same scores
//	status:<status>  set of ids per status
//	dead             set of permanently failed ids
//	cursor           last committed catalog page
const (
	fieldTitle     = "title"
	fieldURL       = "url"
	fieldPrice     = "price"
	fieldThumbnail = "thumbnail_url"
	fieldStatus    = "status"
	fieldAttrs     = "attributes"
	fieldDerived   = "derived"
	fieldAttempts  = "attempt_count"
	fieldLastError = "last_error"
	fieldDead      = "dead"
	fieldClaimedBy = "claimed_by"
	fieldScore     = "score"
	fieldUpdatedAt = "updated_at"
)

const maxWatchRetries = 10

// claimScript moves the oldest queued id into the claimed set and stamps it.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call('ZADD', KEYS[2], popped[2], id)
redis.call('HSET', ARGV[2] .. id, 'claimed_by', ARGV[1])
return id
`)

type RedisStore struct {
	rdb    *redis.Client
	prefix string
	closed atomic.Bool
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
	}
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, opts *redis.Options, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(rdb, prefix), nil
}

func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.rdb.Close()
}

func (s *RedisStore) itemKey(id string) string { return s.prefix + "item:" + id }
func (s *RedisStore) statusKey(st domain.Status) string { return s.prefix + "status:" + st.String() }
func (s *RedisStore) queueKey() string { return s.prefix + "queue" }
func (s *RedisStore) claimedKey() string { return s.prefix + "claimed" }
func (s *RedisStore) deadKey() string { return s.prefix + "dead" }
func (s *RedisStore) cursorKey() string { return s.prefix + "cursor" }

func (s *RedisStore) UpsertCatalogItem(ctx context.Context, item domain.CatalogItem) (bool, error) {
	n, err := s.upsert(ctx, []domain.CatalogItem{item}, nil)
	return n == 1, err
}

func (s *RedisStore) CommitPage(ctx context.Context, page int, items []domain.CatalogItem) (int, error) {
	created, err := s.upsert(ctx, items, &page)
	if err != nil {
		return 0, fmt.Errorf("failed to commit page %d: %w", page, err)
	}
	return created, nil
}

// upsert writes items (and optionally the cursor) in one MULTI block, watching
// the item keys so a concurrent creation is never counted twice.
func (s *RedisStore) upsert(ctx context.Context, items []domain.CatalogItem, page *int) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	keys := make([]string, 0, len(items))
	for _, item := range items {
		if item.Slug == "" {
			return 0, fmt.Errorf("catalog item without slug (%q)", item.URL)
		}
		keys = append(keys, s.itemKey(item.Slug))
	}

	var created int
	txf := func(tx *redis.Tx) error {
		created = 0
		exists := make([]bool, len(items))
		for i, key := range keys {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			exists[i] = n > 0
		}

		ts := time.Now().UTC()
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, item := range items {
				pipe.HSet(ctx, keys[i],
					fieldTitle, item.Title,
					fieldURL, item.URL,
					fieldPrice, item.Price,
					fieldThumbnail, item.ThumbnailURL,
					fieldUpdatedAt, ts.Format(time.RFC3339Nano),
				)
				if exists[i] {
					continue
				}
				created++
				score := float64(ts.UnixMilli())*1000 + float64(i)
				pipe.HSet(ctx, keys[i],
					fieldStatus, domain.StatusPending.String(),
					fieldAttempts, 0,
					fieldLastError, "",
					fieldDead, 0,
					fieldScore, score,
				)
				pipe.SAdd(ctx, s.statusKey(domain.StatusPending), item.Slug)
				pipe.ZAdd(ctx, s.queueKey(), redis.Z{Score: score, Member: item.Slug})
			}
			if page != nil {
				pipe.Set(ctx, s.cursorKey(), *page, 0)
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, keys...); err != nil {
		return 0, fmt.Errorf("failed to upsert items: %w", err)
	}
	return created, nil
}

func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (s *RedisStore) ClaimNextPending(ctx context.Context, runID string) (*domain.WorkItem, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	id, err := claimScript.Run(ctx, s.rdb,
		[]string{s.queueKey(), s.claimedKey()},
		runID, s.prefix+"item:").Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim next pending item: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) MarkFetched(ctx context.Context, id string, details domain.ItemDetails, attempts int) error {
	attrs, derived, err := encodeDetails(details)
	if err != nil {
		return err
	}
	return s.finish(ctx, id, domain.StatusFetched, func(pipe redis.Pipeliner, key string) {
		pipe.HSet(ctx, key,
			fieldStatus, domain.StatusFetched.String(),
			fieldAttrs, attrs,
			fieldDerived, derived,
			fieldLastError, "",
		)
		pipe.HIncrBy(ctx, key, fieldAttempts, int64(attempts))
	})
}

func (s *RedisStore) MarkFailed(ctx context.Context, id string, reason string, attempts int, dead bool) error {
	return s.finish(ctx, id, domain.StatusFailed, func(pipe redis.Pipeliner, key string) {
		pipe.HSet(ctx, key,
			fieldStatus, domain.StatusFailed.String(),
			fieldLastError, reason,
			fieldDead, boolInt(dead),
		)
		pipe.HIncrBy(ctx, key, fieldAttempts, int64(attempts))
		if dead {
			pipe.SAdd(ctx, s.deadKey(), id)
		}
	})
}

// finish moves a pending item into a terminal status and drops its claim.
func (s *RedisStore) finish(ctx context.Context, id string, to domain.Status, write func(redis.Pipeliner, string)) error {
	if s.closed.Load() {
		return ErrClosed
	}

	key := s.itemKey(id)
	txf := func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if status != domain.StatusPending.String() {
			return fmt.Errorf("%s: %w", id, ErrStateConflict)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write(pipe, key)
			pipe.HDel(ctx, key, fieldClaimedBy)
			pipe.HSet(ctx, key, fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano))
			pipe.SMove(ctx, s.statusKey(domain.StatusPending), s.statusKey(to), id)
			pipe.ZRem(ctx, s.claimedKey(), id)
			pipe.ZRem(ctx, s.queueKey(), id)
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return fmt.Errorf("failed to mark %s %s: %w", id, to, err)
	}
	return nil
}

func (s *RedisStore) ReleaseClaims(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	var released int
	txf := func(tx *redis.Tx) error {
		claimed, err := tx.ZRangeWithScores(ctx, s.claimedKey(), 0, -1).Result()
		if err != nil {
			return err
		}
		released = len(claimed)
		if released == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, z := range claimed {
				id := z.Member.(string)
				pipe.HDel(ctx, s.itemKey(id), fieldClaimedBy)
				pipe.ZAdd(ctx, s.queueKey(), z)
			}
			pipe.Del(ctx, s.claimedKey())
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, s.claimedKey()); err != nil {
		return 0, fmt.Errorf("failed to release claims: %w", err)
	}
	return released, nil
}

func (s *RedisStore) ResetFailed(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	failedKey := s.statusKey(domain.StatusFailed)
	var reset int
	txf := func(tx *redis.Tx) error {
		failed, err := tx.SDiff(ctx, failedKey, s.deadKey()).Result()
		if err != nil {
			return err
		}
		reset = len(failed)
		if reset == 0 {
			return nil
		}

		scores := make([]float64, len(failed))
		for i, id := range failed {
			score, err := tx.HGet(ctx, s.itemKey(id), fieldScore).Float64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			scores[i] = score
		}

		ts := time.Now().UTC().Format(time.RFC3339Nano)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range failed {
				pipe.HSet(ctx, s.itemKey(id), fieldStatus, domain.StatusPending.String(), fieldUpdatedAt, ts)
				pipe.SMove(ctx, failedKey, s.statusKey(domain.StatusPending), id)
				pipe.ZAdd(ctx, s.queueKey(), redis.Z{Score: scores[i], Member: id})
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, failedKey, s.deadKey()); err != nil {
		return 0, fmt.Errorf("failed to reset failed items: %w", err)
	}
	return reset, nil
}

func (s *RedisStore) GetCursor(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	val, err := s.rdb.Get(ctx, s.cursorKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil // No progress saved yet
		}
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}

	page, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("failed to parse cursor %q: %w", val, err)
	}
	return page, nil
}

func (s *RedisStore) SetCursor(ctx context.Context, page int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.rdb.Set(ctx, s.cursorKey(), page, 0).Err(); err != nil {
		return fmt.Errorf("failed to set cursor to page %d: %w", page, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.WorkItem, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	fields, err := s.rdb.HGetAll(ctx, s.itemKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load item %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return decodeRedisItem(id, fields)
}

func (s *RedisStore) List(ctx context.Context, status domain.Status) ([]domain.WorkItem, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ids, err := s.rdb.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s items: %w", status, err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.itemKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s items: %w", status, err)
	}

	items := make([]domain.WorkItem, 0, len(ids))
	for i, cmd := range cmds {
		item, err := decodeRedisItem(ids[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *RedisStore) Counts(ctx context.Context) (domain.StatusCounts, error) {
	var c domain.StatusCounts
	if s.closed.Load() {
		return c, ErrClosed
	}

	var pending, fetched, failed, dead *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.SCard(ctx, s.statusKey(domain.StatusPending))
		fetched = pipe.SCard(ctx, s.statusKey(domain.StatusFetched))
		failed = pipe.SCard(ctx, s.statusKey(domain.StatusFailed))
		dead = pipe.SCard(ctx, s.deadKey())
		return nil
	})
	if err != nil {
		return c, fmt.Errorf("failed to count items: %w", err)
	}

	c.Pending = int(pending.Val())
	c.Fetched = int(fetched.Val())
	c.Failed = int(failed.Val())
	c.Dead = int(dead.Val())
	c.Cursor, err = s.GetCursor(ctx)
	return c, err
}

func decodeRedisItem(id string, fields map[string]string) (*domain.WorkItem, error) {
	item := &domain.WorkItem{
		ID: id,
		Catalog: domain.CatalogItem{
			Slug:         id,
			Title:        fields[fieldTitle],
			URL:          fields[fieldURL],
			ThumbnailURL: fields[fieldThumbnail],
		},
		Status:    domain.Status(fields[fieldStatus]),
		LastError: fields[fieldLastError],
		Dead:      fields[fieldDead] == "1",
	}

	var err error
	if v := fields[fieldPrice]; v != "" {
		if item.Catalog.Price, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid price of %s: %w", id, err)
		}
	}
	if v := fields[fieldAttempts]; v != "" {
		if item.AttemptCount, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid attempt count of %s: %w", id, err)
		}
	}
	if v := fields[fieldUpdatedAt]; v != "" {
		item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if err := decodeDetails(fields[fieldAttrs], fields[fieldDerived], item); err != nil {
		return nil, err
	}
	return item, nil
}
