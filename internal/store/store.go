// Package store is the boundary to the authoritative relational store
// (Postgres, one schema per tenant) and the shared redis cache.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ThingsPanel/telemetry-hub/internal/model"
)

// Store wraps the gorm handle. Tenant data lives in per-tenant schemas
// named tenant_<id>; edge devices are global (public schema).
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres using a keyword/value DSN.
func Open(host string, port int, user, password, dbname string) (*Store, error) {
	dsn := fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%d sslmode=disable",
		user, password, dbname, host, port)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing gorm handle (used by tests).
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

const partitionPrefix = "tenant_"

// TenantPartitions enumerates the per-tenant schemas. Partitions
// without a sensors table are skipped: a probe miss is "no match
// there", not an error.
func (s *Store) TenantPartitions(ctx context.Context) ([]string, error) {
	var schemas []string
	err := s.db.WithContext(ctx).
		Raw(`SELECT schema_name FROM information_schema.schemata WHERE schema_name LIKE ? ORDER BY schema_name`,
			partitionPrefix+"%").
		Scan(&schemas).Error
	if err != nil {
		return nil, errors.Wrap(err, "enumerate tenant partitions")
	}
	var out []string
	for _, schema := range schemas {
		ok, err := s.hasSensorsTable(ctx, schema)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, schema)
		}
	}
	return out, nil
}

func (s *Store) hasSensorsTable(ctx context.Context, schema string) (bool, error) {
	var regclass *string
	err := s.db.WithContext(ctx).
		Raw(`SELECT to_regclass(?)`, schema+".sensors").
		Scan(&regclass).Error
	if err != nil {
		return false, errors.Wrapf(err, "probe partition %s", schema)
	}
	return regclass != nil, nil
}

// TenantID recovers the tenant identifier from a partition name.
func TenantID(partition string) string {
	if len(partition) > len(partitionPrefix) {
		return partition[len(partitionPrefix):]
	}
	return partition
}

// Partition returns the schema name for a tenant id.
func Partition(tenantID string) string {
	return partitionPrefix + tenantID
}

// ListTopicSensors returns the partition's active sensors that carry a
// topic binding (exact or wildcard pattern).
func (s *Store) ListTopicSensors(ctx context.Context, partition string) ([]model.Sensor, error) {
	var sensors []model.Sensor
	tx := s.db.WithContext(ctx).
		Table(partition+".sensors").
		Where("topic <> '' AND activate_flag = ?", "active").
		Find(&sensors)
	if tx.Error != nil {
		return nil, errors.Wrapf(tx.Error, "list sensors in %s", partition)
	}
	return sensors, nil
}

// SensorBySerial looks a sensor up by serial or id, for topic patterns
// that embed the identifier as a segment.
func (s *Store) SensorBySerial(ctx context.Context, partition, serial string) (*model.Sensor, error) {
	var sensor model.Sensor
	tx := s.db.WithContext(ctx).
		Table(partition+".sensors").
		Where("serial = ? OR id = ?", serial, serial).
		First(&sensor)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(tx.Error, "sensor by serial in %s", partition)
	}
	return &sensor, nil
}

// ChildSensors returns the child logical sensors of a multi-parameter
// parent device.
func (s *Store) ChildSensors(ctx context.Context, partition, parentID string) ([]model.Sensor, error) {
	var sensors []model.Sensor
	tx := s.db.WithContext(ctx).
		Table(partition+".sensors").
		Where("parent_id = ? AND activate_flag = ?", parentID, "active").
		Find(&sensors)
	if tx.Error != nil {
		return nil, errors.Wrapf(tx.Error, "children of %s in %s", parentID, partition)
	}
	return sensors, nil
}

// ChannelsBySensor returns all channels of a sensor, enabled or not,
// ordered for display. The pipeline filters on Enabled.
func (s *Store) ChannelsBySensor(ctx context.Context, partition, sensorID string) ([]model.Channel, error) {
	var channels []model.Channel
	tx := s.db.WithContext(ctx).
		Table(partition+".channels").
		Where("sensor_id = ?", sensorID).
		Order("display_order ASC").
		Find(&channels)
	if tx.Error != nil {
		return nil, errors.Wrapf(tx.Error, "channels of %s in %s", sensorID, partition)
	}
	return channels, nil
}

// UpsertMetrics writes one message's accumulated rows in a single
// batch. A conflicting (ts, sensor_id, channel_id) key overwrites the
// value columns, which makes re-ingestion idempotent.
func (s *Store) UpsertMetrics(ctx context.Context, partition string, rows []model.Metric) error {
	if len(rows) == 0 {
		return nil
	}
	tx := s.db.WithContext(ctx).
		Table(partition+".metrics").
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "ts"}, {Name: "sensor_id"}, {Name: "channel_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"value", "raw_value", "quality_code", "quality_bits",
			}),
		}).
		Create(&rows)
	return errors.Wrapf(tx.Error, "upsert %d metrics in %s", len(rows), partition)
}

// TouchSensorLastSeen bumps the sensor's last-seen timestamp.
func (s *Store) TouchSensorLastSeen(ctx context.Context, partition, sensorID string, at time.Time) error {
	tx := s.db.WithContext(ctx).
		Table(partition+".sensors").
		Where("id = ?", sensorID).
		Update("last_seen_at", at)
	return errors.Wrapf(tx.Error, "touch sensor %s in %s", sensorID, partition)
}

// InsertLegacyReading persists the denormalized wide row. Failure here
// must not abort the metric write, so callers only log the error.
func (s *Store) InsertLegacyReading(ctx context.Context, partition string, row *model.SensorReading) error {
	tx := s.db.WithContext(ctx).
		Table(partition + ".sensor_readings").
		Create(row)
	return errors.Wrapf(tx.Error, "legacy reading for %s in %s", row.SensorID, partition)
}

// DeviceByCode fetches an edge device by its transport device code.
func (s *Store) DeviceByCode(ctx context.Context, code string) (*model.EdgeDevice, error) {
	var device model.EdgeDevice
	tx := s.db.WithContext(ctx).
		Model(&model.EdgeDevice{}).
		Where("device_code = ?", code).
		First(&device)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(tx.Error, "device by code %s", code)
	}
	return &device, nil
}

// SaveDevice persists lifecycle/health mutations.
func (s *Store) SaveDevice(ctx context.Context, device *model.EdgeDevice) error {
	tx := s.db.WithContext(ctx).Save(device)
	return errors.Wrapf(tx.Error, "save device %s", device.DeviceCode)
}

// DevicesSilentSince returns online devices whose last heartbeat is
// older than the cutoff; the health monitor flips them offline.
func (s *Store) DevicesSilentSince(ctx context.Context, cutoff time.Time) ([]model.EdgeDevice, error) {
	var devices []model.EdgeDevice
	tx := s.db.WithContext(ctx).
		Model(&model.EdgeDevice{}).
		Where("is_online = true AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)", cutoff).
		Find(&devices)
	if tx.Error != nil {
		return nil, errors.Wrap(tx.Error, "list silent devices")
	}
	return devices, nil
}
