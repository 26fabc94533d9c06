// Package redisstore is a store.Backend on Redis. Every row is a JSON
// string under "<prefix>:<kind>:<id>"; flow ids are also appended to the
// "<prefix>:flows" list in insertion order. Writes go through WATCH and a
// MULTI/EXEC pipeline so a row is never overwritten.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petal-labs/flowport/entity"
	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/store"
)

// DefaultPrefix namespaces keys when Options.Prefix is empty.
const DefaultPrefix = "flowport"

const (
	kindAgent         = "agent"
	kindDataStoreNode = "data_store_node"
	kindIfNode        = "if_node"
	kindFlow          = "flow"
)

// Compile-time interface checks.
var (
	_ store.Backend    = (*Store)(nil)
	_ store.Transactor = (*Store)(nil)
)

// Options configures the Redis connection.
type Options struct {
	// URL is the Redis connection string (e.g. "redis://localhost:6379/0").
	URL    string
	Prefix string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Store persists rows in Redis.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing Redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}
	return New(client, opts.Prefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, id)
}

func (s *Store) flowListKey() string {
	return s.prefix + ":flows"
}

// write is one pending row.
type write struct {
	kind    string
	id      string
	key     string
	payload []byte
}

func (s *Store) newWrite(kind, id string, v any) (write, error) {
	if id == "" {
		return write{}, fmt.Errorf("save %s: %w", strings.ReplaceAll(kind, "_", " "), store.ErrEmptyID)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return write{}, fmt.Errorf("redis store marshal %s: %w", kind, err)
	}
	return write{kind: kind, id: id, key: s.key(kind, id), payload: payload}, nil
}

// commit writes rows atomically. It fails with store.ErrExists when any key
// already exists or changes while the transaction is prepared.
func (s *Store) commit(ctx context.Context, writes []write) error {
	if len(writes) == 0 {
		return nil
	}
	keys := make([]string, len(writes))
	for i, w := range writes {
		keys[i] = w.key
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		for _, w := range writes {
			n, err := tx.Exists(ctx, w.key).Result()
			if err != nil {
				return fmt.Errorf("redis store exists %s: %w", w.key, err)
			}
			if n > 0 {
				return fmt.Errorf("save %s %s: %w", strings.ReplaceAll(w.kind, "_", " "), w.id, store.ErrExists)
			}
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, w := range writes {
				p.Set(ctx, w.key, w.payload, 0)
				if w.kind == kindFlow {
					p.RPush(ctx, s.flowListKey(), w.id)
				}
			}
			return nil
		})
		return err
	}, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("redis store commit: %w", store.ErrExists)
	}
	return err
}

func (s *Store) get(ctx context.Context, kind, id string, v any) (bool, error) {
	data, err := s.client.Get(ctx, s.key(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis store get %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("redis store decode %s %s: %w", kind, id, err)
	}
	return true, nil
}

func (s *Store) saveOne(ctx context.Context, kind, id string, v any) error {
	w, err := s.newWrite(kind, id, v)
	if err != nil {
		return err
	}
	return s.commit(ctx, []write{w})
}

func (s *Store) SaveAgent(ctx context.Context, a entity.Agent) (entity.Agent, error) {
	if err := s.saveOne(ctx, kindAgent, a.ID, a); err != nil {
		return entity.Agent{}, err
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (entity.Agent, bool, error) {
	var a entity.Agent
	ok, err := s.get(ctx, kindAgent, id, &a)
	return a, ok, err
}

func (s *Store) SaveDataStoreNode(ctx context.Context, n entity.DataStoreNode) (entity.DataStoreNode, error) {
	if err := s.saveOne(ctx, kindDataStoreNode, n.ID, n); err != nil {
		return entity.DataStoreNode{}, err
	}
	return n, nil
}

func (s *Store) GetDataStoreNode(ctx context.Context, id string) (entity.DataStoreNode, bool, error) {
	var n entity.DataStoreNode
	ok, err := s.get(ctx, kindDataStoreNode, id, &n)
	return n, ok, err
}

func (s *Store) SaveIfNode(ctx context.Context, n entity.IfNode) (entity.IfNode, error) {
	if err := s.saveOne(ctx, kindIfNode, n.ID, n); err != nil {
		return entity.IfNode{}, err
	}
	return n, nil
}

func (s *Store) GetIfNode(ctx context.Context, id string) (entity.IfNode, bool, error) {
	var n entity.IfNode
	ok, err := s.get(ctx, kindIfNode, id, &n)
	return n, ok, err
}

func (s *Store) SaveFlow(ctx context.Context, f flow.Flow) (flow.Flow, error) {
	f = stampFlow(f, s.now())
	if err := s.saveOne(ctx, kindFlow, f.ID, f); err != nil {
		return flow.Flow{}, err
	}
	return f, nil
}

func (s *Store) GetFlow(ctx context.Context, id string) (flow.Flow, bool, error) {
	var f flow.Flow
	ok, err := s.get(ctx, kindFlow, id, &f)
	return f, ok, err
}

// ListFlows returns all flows in insertion order.
func (s *Store) ListFlows(ctx context.Context) ([]flow.Flow, error) {
	ids, err := s.client.LRange(ctx, s.flowListKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store list flows: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(kindFlow, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store load flows: %w", err)
	}

	flows := make([]flow.Flow, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var f flow.Flow
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("redis store decode flow %s: %w", ids[i], err)
		}
		flows = append(flows, f)
	}
	return flows, nil
}

// RunInTx buffers the writes made through the supplied stores and commits
// them in one MULTI/EXEC when fn returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(store.Stores) error) error {
	tx := &txStore{parent: s, staged: make(map[string]write)}
	if err := fn(store.Stores{Agents: tx, DataStoreNodes: tx, IfNodes: tx, Flows: tx}); err != nil {
		return err
	}
	return s.commit(ctx, tx.order)
}

// txStore is the Stores view of one Redis transaction.
type txStore struct {
	parent *Store

	mu     sync.Mutex
	staged map[string]write
	order  []write
}

func (tx *txStore) stage(ctx context.Context, kind, id string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w, err := tx.parent.newWrite(kind, id, v)
	if err != nil {
		return err
	}
	n, err := tx.parent.client.Exists(ctx, w.key).Result()
	if err != nil {
		return fmt.Errorf("redis store exists %s: %w", w.key, err)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if _, dup := tx.staged[w.key]; dup || n > 0 {
		return fmt.Errorf("save %s %s: %w", strings.ReplaceAll(kind, "_", " "), id, store.ErrExists)
	}
	tx.staged[w.key] = w
	tx.order = append(tx.order, w)
	return nil
}

// lookup decodes a staged row, falling back to committed data.
func (tx *txStore) lookup(ctx context.Context, kind, id string, v any) (bool, error) {
	tx.mu.Lock()
	w, ok := tx.staged[tx.parent.key(kind, id)]
	tx.mu.Unlock()
	if ok {
		if err := json.Unmarshal(w.payload, v); err != nil {
			return false, fmt.Errorf("redis store decode staged %s %s: %w", kind, id, err)
		}
		return true, nil
	}
	return tx.parent.get(ctx, kind, id, v)
}

func (tx *txStore) SaveAgent(ctx context.Context, a entity.Agent) (entity.Agent, error) {
	if err := tx.stage(ctx, kindAgent, a.ID, a); err != nil {
		return entity.Agent{}, err
	}
	return a, nil
}

func (tx *txStore) GetAgent(ctx context.Context, id string) (entity.Agent, bool, error) {
	var a entity.Agent
	ok, err := tx.lookup(ctx, kindAgent, id, &a)
	return a, ok, err
}

func (tx *txStore) SaveDataStoreNode(ctx context.Context, n entity.DataStoreNode) (entity.DataStoreNode, error) {
	if err := tx.stage(ctx, kindDataStoreNode, n.ID, n); err != nil {
		return entity.DataStoreNode{}, err
	}
	return n, nil
}

func (tx *txStore) GetDataStoreNode(ctx context.Context, id string) (entity.DataStoreNode, bool, error) {
	var n entity.DataStoreNode
	ok, err := tx.lookup(ctx, kindDataStoreNode, id, &n)
	return n, ok, err
}

func (tx *txStore) SaveIfNode(ctx context.Context, n entity.IfNode) (entity.IfNode, error) {
	if err := tx.stage(ctx, kindIfNode, n.ID, n); err != nil {
		return entity.IfNode{}, err
	}
	return n, nil
}

func (tx *txStore) GetIfNode(ctx context.Context, id string) (entity.IfNode, bool, error) {
	var n entity.IfNode
	ok, err := tx.lookup(ctx, kindIfNode, id, &n)
	return n, ok, err
}

func (tx *txStore) SaveFlow(ctx context.Context, f flow.Flow) (flow.Flow, error) {
	f = stampFlow(f, tx.parent.now())
	if err := tx.stage(ctx, kindFlow, f.ID, f); err != nil {
		return flow.Flow{}, err
	}
	return f, nil
}

func (tx *txStore) GetFlow(ctx context.Context, id string) (flow.Flow, bool, error) {
	var f flow.Flow
	ok, err := tx.lookup(ctx, kindFlow, id, &f)
	return f, ok, err
}

func (tx *txStore) ListFlows(ctx context.Context) ([]flow.Flow, error) {
	flows, err := tx.parent.ListFlows(ctx)
	if err != nil {
		return nil, err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, w := range tx.order {
		if w.kind != kindFlow {
			continue
		}
		var f flow.Flow
		if err := json.Unmarshal(w.payload, &f); err != nil {
			return nil, fmt.Errorf("redis store decode staged flow %s: %w", w.id, err)
		}
		flows = append(flows, f)
	}
	return flows, nil
}

func stampFlow(f flow.Flow, now time.Time) flow.Flow {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now.UTC()
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
	return f
}
