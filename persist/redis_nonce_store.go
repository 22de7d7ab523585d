package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultNonceKeyPrefix = "tenantvault:handshake-nonce:"

// RedisConfig contains the connection settings for a RedisNonceStore.
type RedisConfig struct {
	Addr         string        `json:"addr"`
	Username     string        `json:"username"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	KeyPrefix    string        `json:"key_prefix"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// RedisNonceStore records consumed nonces as Redis keys that expire with the token.
// SET NX makes the first consumer win across every process sharing the server.
type RedisNonceStore struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

// NewRedisNonceStore wraps an existing client; the caller keeps ownership of it.
func NewRedisNonceStore(client redis.UniversalClient, keyPrefix string) *RedisNonceStore {
	if keyPrefix == "" {
		keyPrefix = defaultNonceKeyPrefix
	}
	return &RedisNonceStore{client: client, keyPrefix: keyPrefix}
}

// NewRedisNonceStoreFromConfig dials Redis and checks the connection before returning.
func NewRedisNonceStoreFromConfig(config NonceStoreConfig) (*RedisNonceStore, error) {
	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var rc RedisConfig
	if err = json.Unmarshal(configBytes, &rc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal redis config: %w", err)
	}
	if rc.Addr == "" {
		return nil, fmt.Errorf("redis nonce store requires 'addr' in config")
	}
	if rc.DialTimeout == 0 {
		rc.DialTimeout = 5 * time.Second
	}
	if rc.ReadTimeout == 0 {
		rc.ReadTimeout = 3 * time.Second
	}
	if rc.WriteTimeout == 0 {
		rc.WriteTimeout = 3 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         rc.Addr,
		Username:     rc.Username,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), rc.DialTimeout)
	defer cancel()
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping redis", err)
	}

	store := NewRedisNonceStore(client, rc.KeyPrefix)
	store.owned = true
	return store, nil
}

func (r *RedisNonceStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if nonce == "" {
		return false, fmt.Errorf("nonce cannot be empty")
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	ok, err := r.client.SetNX(ctx, r.keyPrefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, unavailable("consume nonce", err)
	}
	return ok, nil
}

// Sweep is a no-op, Redis expires the keys itself.
func (r *RedisNonceStore) Sweep(context.Context) (int, error) {
	return 0, nil
}

func (r *RedisNonceStore) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

func (r *RedisNonceStore) GetType() string {
	return string(StoreTypeRedis)
}
