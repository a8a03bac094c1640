package store

import (
	"encoding/json"
	"time"

	"gopkg.in/redis.v5"
)

// Cache is the shared distributed cache tier. Values are JSON-encoded
// with a TTL; loss of the cache is a performance event, never a
// correctness event.
type Cache struct {
	client *redis.Client
}

// NewCache connects to redis and verifies the connection with a ping.
func NewCache(addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     100,
	})
	if _, err := client.Ping().Result(); err != nil {
		return nil, err
	}
	return &Cache{client: client}, nil
}

// NewCacheWithClient wraps an existing client (used by tests).
func NewCacheWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// SetJSON serializes a value to JSON and stores it with a TTL.
func (c *Cache) SetJSON(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(key, data, ttl).Err()
}

// GetJSON fetches a JSON value into dest. found is false on a miss.
func (c *Cache) GetJSON(key string, dest interface{}) (bool, error) {
	val, err := c.client.Get(key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(val), dest)
}

// Del removes keys. Missing keys are not an error.
func (c *Cache) Del(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(keys...).Err()
}
