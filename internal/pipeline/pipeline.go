// Package pipeline consumes parsed sensor messages, resolves their
// owner, runs the quality engine per channel and writes a single
// batched idempotent upsert per message.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ThingsPanel/telemetry-hub/internal/live"
	"github.com/ThingsPanel/telemetry-hub/internal/metrics"
	"github.com/ThingsPanel/telemetry-hub/internal/model"
	"github.com/ThingsPanel/telemetry-hub/internal/payload"
	"github.com/ThingsPanel/telemetry-hub/internal/quality"
	"github.com/ThingsPanel/telemetry-hub/internal/resolver"
)

// Resolver maps a topic to its owning configuration.
type Resolver interface {
	Resolve(ctx context.Context, topic string) (*resolver.Owner, error)
}

// Writer is the slice of the store the pipeline writes through.
type Writer interface {
	UpsertMetrics(ctx context.Context, partition string, rows []model.Metric) error
	TouchSensorLastSeen(ctx context.Context, partition, sensorID string, at time.Time) error
	InsertLegacyReading(ctx context.Context, partition string, row *model.SensorReading) error
}

// Broadcaster emits the downstream "reading received" event.
type Broadcaster interface {
	Broadcast(event live.Event)
}

// Activity records per-sensor reading times for the health monitor.
type Activity interface {
	MarkReading(sensorID string, at time.Time)
}

type Options struct {
	// LegacyReadings additionally persists the denormalized wide row.
	// Its failure never aborts the metric write and vice versa.
	LegacyReadings bool
}

type Pipeline struct {
	resolver Resolver
	writer   Writer
	events   Broadcaster
	activity Activity
	log      *zap.Logger
	opts     Options
	nowFunc  func() time.Time
}

func New(res Resolver, writer Writer, events Broadcaster, activity Activity, log *zap.Logger, opts Options) *Pipeline {
	return &Pipeline{
		resolver: res,
		writer:   writer,
		events:   events,
		activity: activity,
		log:      log,
		opts:     opts,
		nowFunc:  time.Now,
	}
}

// HandleSensorData ingests one raw sensor message. It never returns an
// error: failures are logged and the message is dropped.
func (p *Pipeline) HandleSensorData(topic string, raw []byte) {
	ctx := context.Background()

	owner, err := p.resolver.Resolve(ctx, topic)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("resolver_error").Inc()
		p.log.Error("owner resolution failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	if owner == nil {
		metrics.MessagesDropped.WithLabelValues("unresolved").Inc()
		p.log.Debug("no owner for topic, dropping", zap.String("topic", topic))
		return
	}

	doc, ok := payload.Parse(owner.Sensor.PayloadFormat, raw)
	if !ok {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		p.log.Warn("malformed payload, dropping",
			zap.String("topic", topic), zap.String("sensor", owner.Sensor.ID))
		return
	}
	metrics.MessagesIngested.WithLabelValues("sensor_data").Inc()

	ts := p.messageTime(doc)
	rows := p.collectMetrics(owner, doc, ts)

	if len(rows) > 0 {
		if err := p.writer.UpsertMetrics(ctx, owner.Partition, rows); err != nil {
			// no batch retry: devices keep publishing, the next
			// message re-derives the same idempotent keys
			p.log.Error("metric batch write failed",
				zap.String("sensor", owner.Sensor.ID), zap.Int("rows", len(rows)), zap.Error(err))
		} else {
			metrics.MetricRowsWritten.Add(float64(len(rows)))
		}
	}

	if p.opts.LegacyReadings {
		p.writeLegacyReading(ctx, owner, doc, ts)
	}

	if err := p.writer.TouchSensorLastSeen(ctx, owner.Partition, owner.Sensor.ID, ts); err != nil {
		p.log.Warn("last-seen update failed", zap.String("sensor", owner.Sensor.ID), zap.Error(err))
	}
	if p.activity != nil {
		p.activity.MarkReading(owner.Sensor.ID, p.nowFunc())
	}

	if p.events != nil {
		p.events.Broadcast(live.Event{
			Type:     live.EventSensorReading,
			TenantID: owner.TenantID,
			SensorID: owner.Sensor.ID,
			Time:     ts,
			Data:     map[string]interface{}{"readings": map[string]interface{}(doc)},
		})
	}
}

// collectMetrics extracts and scores every enabled channel of the
// owner and its children. Channel extraction failures skip that
// channel only, never the whole message.
func (p *Pipeline) collectMetrics(owner *resolver.Owner, doc payload.Document, ts time.Time) []model.Metric {
	rows := p.channelMetrics(owner, doc, "", ts)
	for i := range owner.Children {
		child := &owner.Children[i]
		prefix := ""
		if child.Sensor.Address != nil {
			prefix = *child.Sensor.Address
		}
		rows = append(rows, p.channelMetrics(child, doc, prefix, ts)...)
	}
	return rows
}

func (p *Pipeline) channelMetrics(owner *resolver.Owner, doc payload.Document, pathPrefix string, ts time.Time) []model.Metric {
	var rows []model.Metric
	locationID := ""
	if owner.Sensor.LocationID != nil {
		locationID = *owner.Sensor.LocationID
	}
	for _, ch := range owner.Channels {
		if !ch.Enabled {
			continue
		}
		path := ch.EffectivePath()
		if pathPrefix != "" {
			path = pathPrefix + "." + path
		}
		value, ok := payload.Extract(doc, path)
		if !ok {
			continue
		}
		raw, ok := payload.Coerce(value)
		if !ok {
			continue
		}
		result := quality.Evaluate(channelConfig(&ch), raw)
		rows = append(rows, model.Metric{
			Time:        ts,
			SensorID:    owner.Sensor.ID,
			ChannelID:   ch.ID,
			TenantID:    owner.TenantID,
			LocationID:  locationID,
			RawValue:    result.Raw,
			Value:       result.Value,
			QualityCode: result.Code,
			QualityBits: result.Bits,
		})
	}
	return rows
}

func channelConfig(ch *model.Channel) quality.Config {
	return quality.Config{
		CalibrationEnabled: ch.CalibrationEnabled,
		Multiplier:         ch.Multiplier,
		Offset:             ch.Offset,
		Coefficients:       ch.Coefficients(),
		PhysicalMin:        ch.PhysicalMin,
		PhysicalMax:        ch.PhysicalMax,
		OperationalMin:     ch.OperationalMin,
		OperationalMax:     ch.OperationalMax,
		WarningLow:         ch.WarningLow,
		WarningHigh:        ch.WarningHigh,
		CriticalLow:        ch.CriticalLow,
		CriticalHigh:       ch.CriticalHigh,
	}
}

// messageTime prefers an embedded timestamp, falling back to arrival
// time. Numeric timestamps are taken as unix seconds.
func (p *Pipeline) messageTime(doc payload.Document) time.Time {
	for _, key := range []string{"timestamp", "ts", "time"} {
		v, ok := doc[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if parsed, err := time.Parse(time.RFC3339, t); err == nil {
				return parsed.UTC()
			}
		case float64:
			return time.Unix(int64(t), 0).UTC()
		}
	}
	return p.nowFunc().UTC()
}

func (p *Pipeline) writeLegacyReading(ctx context.Context, owner *resolver.Owner, doc payload.Document, ts time.Time) {
	readings, err := json.Marshal(doc)
	if err != nil {
		p.log.Warn("legacy reading marshal failed", zap.String("sensor", owner.Sensor.ID), zap.Error(err))
		return
	}
	row := &model.SensorReading{
		SensorID: owner.Sensor.ID,
		TenantID: owner.TenantID,
		Time:     ts,
		Readings: string(readings),
	}
	if err := p.writer.InsertLegacyReading(ctx, owner.Partition, row); err != nil {
		p.log.Warn("legacy reading write failed", zap.String("sensor", owner.Sensor.ID), zap.Error(err))
	}
}
