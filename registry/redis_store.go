package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig configures RedisStore.
type RedisConfig struct {
	Address  string `mapstructure:"address" yaml:"address"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// RedisStore keeps bindings in Redis so that they survive restarts and can
// be shared. Each binding is a JSON value whose TTL is its expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Address, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewRedisStore",
		"address":  cfg.Address,
		"db":       cfg.DB,
	}).Info("Redis registry store initialized")
	return NewRedisStoreWithClient(client, cfg.Prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "iaxd:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(peer string) string { return r.prefix + "binding:" + peer }

func (r *RedisStore) index() string { return r.prefix + "bindings" }

func (r *RedisStore) Put(ctx context.Context, b Binding) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal binding: %w", err)
	}
	ttl := time.Until(b.Expires)
	if ttl <= 0 {
		return r.Delete(ctx, b.Peer)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(b.Peer), data, ttl)
	pipe.SAdd(ctx, r.index(), b.Peer)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store binding %s: %w", b.Peer, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, peer string) (Binding, error) {
	data, err := r.client.Get(ctx, r.key(peer)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Binding{}, ErrNotFound
	}
	if err != nil {
		return Binding{}, fmt.Errorf("get binding %s: %w", peer, err)
	}
	var b Binding
	if err := json.Unmarshal(data, &b); err != nil {
		return Binding{}, fmt.Errorf("unmarshal binding %s: %w", peer, err)
	}
	return b, nil
}

func (r *RedisStore) Delete(ctx context.Context, peer string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(peer))
	pipe.SRem(ctx, r.index(), peer)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete binding %s: %w", peer, err)
	}
	return nil
}

// List returns live bindings, dropping index entries whose value expired.
func (r *RedisStore) List(ctx context.Context) ([]Binding, error) {
	peers, err := r.client.SMembers(ctx, r.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	out := make([]Binding, 0, len(peers))
	for _, p := range peers {
		b, err := r.Get(ctx, p)
		if errors.Is(err, ErrNotFound) {
			r.client.SRem(ctx, r.index(), p)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
