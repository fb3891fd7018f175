// Package store persists the resource model and the networking-action
// journal in Redis. Every entity is a hash at "TABLE|key"; multi-key
// invariants are enforced with WATCH/MULTI/EXEC transactions so the API
// process and the networking worker coordinate only through Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

// Table names. Keys are "<TABLE>|<part>|<part>...".
const (
	TableProject   = "PROJECT"
	TableNode      = "NODE"
	TableNic       = "NIC"
	TableSwitch    = "SWITCH"
	TablePort      = "PORT"
	TableNetwork   = "NETWORK"
	TableNetworkID = "NETWORK_ID"
	TableAttach    = "ATTACH"
	TableAction    = "ACTION"

	// JournalKey is a sorted set of PENDING action ids scored by sequence.
	JournalKey = "JOURNAL"
	// JournalSeqKey is the counter that hands out journal sequence numbers.
	JournalSeqKey = "JOURNAL_SEQ"
)

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 32

// ErrContention is returned when a transaction kept losing WATCH races.
var ErrContention = errors.New("store: transaction retries exhausted")

// Key joins a table and key parts into a Redis key.
func Key(table string, parts ...string) string {
	return table + "|" + strings.Join(parts, "|")
}

// Options locate the Redis server backing the store
type Options struct {
	Addr     string
	DB       int
	Password string
}

// Store is the durable store shared by the API side and the worker.
type Store struct {
	client *redis.Client
}

// Open connects to Redis and verifies the connection
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Password: opts.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return &Store{client: client}, nil
}

// New wraps an existing client
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client returns the underlying Redis client. The allocator shares it.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Update runs fn in an optimistic transaction. Keys are WATCHed before fn
// runs; fn may WATCH more keys through the Tx before queuing writes. If any
// watched key changes before EXEC, fn is re-run from scratch.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &Tx{ctx: ctx, rtx: rtx}
			if err := fn(tx); err != nil {
				return err
			}
			return tx.commit()
		}, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}

// Tx is a read-check-write transaction. Reads execute immediately against
// the watched connection; writes are queued and applied atomically in one
// MULTI/EXEC when the transaction function returns nil.
type Tx struct {
	ctx    context.Context
	rtx    *redis.Tx
	writes []func(redis.Pipeliner)
}

// Watch adds keys to the transaction's watch set. Call it before reading
// keys discovered during the transaction.
func (t *Tx) Watch(keys ...string) error {
	return t.rtx.Watch(t.ctx, keys...).Err()
}

func (t *Tx) queue(w func(redis.Pipeliner)) {
	t.writes = append(t.writes, w)
}

func (t *Tx) commit() error {
	if len(t.writes) == 0 {
		return nil
	}
	_, err := t.rtx.TxPipelined(t.ctx, func(pipe redis.Pipeliner) error {
		for _, w := range t.writes {
			w(pipe)
		}
		return nil
	})
	return err
}

// hgetAll reads a hash; a missing key returns nil, nil.
func hgetAll(ctx context.Context, c redis.Cmdable, key string) (map[string]string, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return vals, nil
}

// scanKeys walks the keyspace with SCAN (non-blocking, unlike KEYS).
func scanKeys(ctx context.Context, c redis.Cmdable, pattern string, countHint int64) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, nextCursor, err := c.Scan(ctx, cursor, pattern, countHint).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func hsetArgs(fields map[string]string) []interface{} {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}
