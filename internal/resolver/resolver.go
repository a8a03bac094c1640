// Package resolver maps inbound topics to their owning tenant, sensor
// and channel configuration through a three-tier lookup: bounded
// in-process cache, shared redis cache, authoritative cross-tenant
// scan.
package resolver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ThingsPanel/telemetry-hub/internal/metrics"
	"github.com/ThingsPanel/telemetry-hub/internal/model"
	"github.com/ThingsPanel/telemetry-hub/internal/topics"
)

// Owner is the resolved configuration for a topic. For a
// multi-parameter parent sensor, Children carries the child sensors
// bound to sub-paths of the parent's payload, each with its own
// channels.
type Owner struct {
	TenantID  string          `json:"tenant_id"`
	Partition string          `json:"partition"`
	Sensor    model.Sensor    `json:"sensor"`
	Channels  []model.Channel `json:"channels"`
	Children  []Owner         `json:"children,omitempty"`
}

// Authority is the slice of the store the resolver scans on a full
// cache miss.
type Authority interface {
	TenantPartitions(ctx context.Context) ([]string, error)
	ListTopicSensors(ctx context.Context, partition string) ([]model.Sensor, error)
	SensorBySerial(ctx context.Context, partition, serial string) (*model.Sensor, error)
	ChannelsBySensor(ctx context.Context, partition, sensorID string) ([]model.Channel, error)
	ChildSensors(ctx context.Context, partition, parentID string) ([]model.Sensor, error)
}

// DistCache is the shared cache tier (redis in production).
type DistCache interface {
	SetJSON(key string, value interface{}, ttl time.Duration) error
	GetJSON(key string, dest interface{}) (bool, error)
	Del(keys ...string) error
}

// cachedOwner is the redis value shape; Found=false is a cached
// negative result.
type cachedOwner struct {
	Found bool   `json:"found"`
	Owner *Owner `json:"owner,omitempty"`
}

func ownerByTopicKey(topic string) string { return "owner-by-topic:" + topic }
func topicsByOwnerKey(ownerID string) string { return "topics-by-owner:" + ownerID }

// Options tune the cache tiers.
type Options struct {
	MemCapacity   int
	MemTTL        time.Duration
	DistTTL       time.Duration
	PartitionsTTL time.Duration
}

func (o *Options) defaults() {
	if o.MemTTL <= 0 {
		o.MemTTL = 60 * time.Second
	}
	if o.DistTTL <= 0 {
		o.DistTTL = time.Hour
	}
	if o.PartitionsTTL <= 0 {
		o.PartitionsTTL = 30 * time.Second
	}
}

type Resolver struct {
	authority Authority
	dist      DistCache
	mem       *memCache
	log       *zap.Logger
	opts      Options

	// partition list cached briefly so a burst of misses does not
	// re-enumerate schemas on every call.
	partMu       sync.Mutex
	partitions   []string
	partitionsAt time.Time

	nowFunc func() time.Time
}

func New(authority Authority, dist DistCache, log *zap.Logger, opts Options) *Resolver {
	opts.defaults()
	return &Resolver{
		authority: authority,
		dist:      dist,
		mem:       newMemCache(opts.MemCapacity, opts.MemTTL),
		log:       log,
		opts:      opts,
		nowFunc:   time.Now,
	}
}

// Resolve returns the owner of a topic, or nil when no sensor claims
// it. Side-effect-free from the caller's perspective; internally it
// populates both cache tiers, including negative results.
func (r *Resolver) Resolve(ctx context.Context, topic string) (*Owner, error) {
	t := topics.Normalize(topic)
	if t == "" {
		return nil, nil
	}

	if owner, hit := r.mem.get(t, r.nowFunc()); hit {
		metrics.CacheLookups.WithLabelValues("memory", "hit").Inc()
		return owner, nil
	}
	metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()

	var cached cachedOwner
	found, err := r.dist.GetJSON(ownerByTopicKey(t), &cached)
	if err != nil {
		r.log.Warn("distributed cache read failed", zap.String("topic", t), zap.Error(err))
	}
	if found {
		metrics.CacheLookups.WithLabelValues("redis", "hit").Inc()
		r.mem.put(t, cached.Owner, r.nowFunc())
		return cached.Owner, nil
	}
	metrics.CacheLookups.WithLabelValues("redis", "miss").Inc()

	owner, err := r.scan(ctx, t)
	if err != nil {
		return nil, err
	}
	r.writeThrough(t, owner)
	return owner, nil
}

// scan walks every tenant partition: exact topic match first, then
// wildcard patterns, then an embedded serial/id lookup. The first
// partition producing a match wins.
func (r *Resolver) scan(ctx context.Context, topic string) (*Owner, error) {
	metrics.CacheLookups.WithLabelValues("store", "scan").Inc()
	partitions, err := r.tenantPartitions(ctx)
	if err != nil {
		return nil, err
	}
	for _, partition := range partitions {
		sensors, err := r.authority.ListTopicSensors(ctx, partition)
		if err != nil {
			return nil, err
		}
		if sensor := matchSensor(sensors, topic); sensor != nil {
			return r.buildOwner(ctx, partition, sensor)
		}
		if sensor, err := r.matchBySerial(ctx, partition, topic); err != nil {
			return nil, err
		} else if sensor != nil {
			return r.buildOwner(ctx, partition, sensor)
		}
	}
	r.log.Debug("no owner for topic", zap.String("topic", topic))
	return nil, nil
}

func matchSensor(sensors []model.Sensor, topic string) *model.Sensor {
	// exact match beats wildcard patterns
	for i := range sensors {
		pattern := topics.Normalize(sensors[i].Topic)
		if !topics.HasWildcard(pattern) && pattern == topic {
			return &sensors[i]
		}
	}
	for i := range sensors {
		pattern := topics.Normalize(sensors[i].Topic)
		if topics.HasWildcard(pattern) && topics.Match(pattern, topic) {
			return &sensors[i]
		}
	}
	return nil
}

// matchBySerial probes each topic segment as a sensor serial/id, for
// topic conventions that embed the identifier (e.g. sensors/<serial>/data).
func (r *Resolver) matchBySerial(ctx context.Context, partition, topic string) (*model.Sensor, error) {
	for _, seg := range topics.Segments(topic) {
		if seg == "" || topics.HasWildcard(seg) {
			continue
		}
		sensor, err := r.authority.SensorBySerial(ctx, partition, seg)
		if err != nil {
			return nil, err
		}
		if sensor != nil {
			return sensor, nil
		}
	}
	return nil, nil
}

func (r *Resolver) buildOwner(ctx context.Context, partition string, sensor *model.Sensor) (*Owner, error) {
	channels, err := r.authority.ChannelsBySensor(ctx, partition, sensor.ID)
	if err != nil {
		return nil, err
	}
	owner := &Owner{
		TenantID:  sensor.TenantID,
		Partition: partition,
		Sensor:    *sensor,
		Channels:  channels,
	}
	if sensor.IsParent() {
		children, err := r.authority.ChildSensors(ctx, partition, sensor.ID)
		if err != nil {
			return nil, err
		}
		for i := range children {
			child, err := r.buildOwner(ctx, partition, &children[i])
			if err != nil {
				return nil, err
			}
			owner.Children = append(owner.Children, *child)
		}
	}
	return owner, nil
}

// writeThrough populates both tiers and, for positive results, the
// reverse index used by invalidation.
func (r *Resolver) writeThrough(topic string, owner *Owner) {
	r.mem.put(topic, owner, r.nowFunc())
	cached := cachedOwner{Found: owner != nil, Owner: owner}
	if err := r.dist.SetJSON(ownerByTopicKey(topic), cached, r.opts.DistTTL); err != nil {
		r.log.Warn("distributed cache write failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	if owner != nil {
		r.indexTopic(owner.Sensor.ID, topic)
	}
}

func (r *Resolver) indexTopic(ownerID, topic string) {
	key := topicsByOwnerKey(ownerID)
	var indexed []string
	if _, err := r.dist.GetJSON(key, &indexed); err != nil {
		r.log.Warn("reverse index read failed", zap.String("owner", ownerID), zap.Error(err))
		return
	}
	for _, t := range indexed {
		if t == topic {
			return
		}
	}
	indexed = append(indexed, topic)
	if err := r.dist.SetJSON(key, indexed, r.opts.DistTTL); err != nil {
		r.log.Warn("reverse index write failed", zap.String("owner", ownerID), zap.Error(err))
	}
}

// Invalidate drops an owner's cached topics from both tiers. Called on
// sensor/channel configuration changes.
func (r *Resolver) Invalidate(ownerID string) {
	key := topicsByOwnerKey(ownerID)
	var indexed []string
	if _, err := r.dist.GetJSON(key, &indexed); err != nil {
		r.log.Warn("invalidate: reverse index read failed", zap.String("owner", ownerID), zap.Error(err))
	}
	if len(indexed) > 0 {
		keys := make([]string, 0, len(indexed))
		for _, t := range indexed {
			keys = append(keys, ownerByTopicKey(t))
		}
		if err := r.dist.Del(keys...); err != nil {
			r.log.Warn("invalidate: cache delete failed", zap.String("owner", ownerID), zap.Error(err))
		}
		r.mem.delete(indexed...)
	}
	if err := r.dist.Del(key); err != nil {
		r.log.Warn("invalidate: reverse index delete failed", zap.String("owner", ownerID), zap.Error(err))
	}
}

// WarmUp walks every tenant partition once and pre-populates both
// tiers for all sensors with a concrete (non-wildcard) topic, so the
// first message per tenant does not pay the scan cost.
func (r *Resolver) WarmUp(ctx context.Context) error {
	partitions, err := r.tenantPartitions(ctx)
	if err != nil {
		return err
	}
	warmed := 0
	for _, partition := range partitions {
		sensors, err := r.authority.ListTopicSensors(ctx, partition)
		if err != nil {
			return err
		}
		for i := range sensors {
			topic := topics.Normalize(sensors[i].Topic)
			if topic == "" || topics.HasWildcard(topic) {
				continue
			}
			owner, err := r.buildOwner(ctx, partition, &sensors[i])
			if err != nil {
				return err
			}
			r.writeThrough(topic, owner)
			warmed++
		}
	}
	r.log.Info("topic cache warmed",
		zap.Int("partitions", len(partitions)), zap.Int("topics", warmed))
	return nil
}

func (r *Resolver) tenantPartitions(ctx context.Context) ([]string, error) {
	r.partMu.Lock()
	defer r.partMu.Unlock()
	now := r.nowFunc()
	if r.partitions != nil && now.Sub(r.partitionsAt) < r.opts.PartitionsTTL {
		return r.partitions, nil
	}
	partitions, err := r.authority.TenantPartitions(ctx)
	if err != nil {
		return nil, err
	}
	r.partitions = partitions
	r.partitionsAt = now
	return partitions, nil
}
