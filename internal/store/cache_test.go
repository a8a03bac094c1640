package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"gopkg.in/redis.v5"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheWithClient(client), s
}

func TestCacheRoundTrip(t *testing.T) {
	c, s := testCache(t)

	type payload struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}
	if err := c.SetJSON("k1", payload{Name: "temp", Value: 21.5}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got payload
	found, err := c.GetJSON("k1", &got)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Name != "temp" || got.Value != 21.5 {
		t.Fatalf("unexpected value: %+v", got)
	}
	if ttl := s.TTL("k1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl: %v", ttl)
	}
}

func TestCacheMissIsNotError(t *testing.T) {
	c, _ := testCache(t)
	var dest map[string]string
	found, err := c.GetJSON("nope", &dest)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if found {
		t.Fatalf("expected miss")
	}
}

func TestCacheDel(t *testing.T) {
	c, _ := testCache(t)
	if err := c.SetJSON("k1", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Del("k1", "missing"); err != nil {
		t.Fatalf("del: %v", err)
	}
	var dest string
	found, _ := c.GetJSON("k1", &dest)
	if found {
		t.Fatalf("expected k1 gone")
	}
}
