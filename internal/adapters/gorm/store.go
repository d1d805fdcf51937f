package gorm

import (
	"context"
	"errors"
	"time"

	"telemetry-hub/internal/core/store"

	"gorm.io/gorm"
)

// Store implements store.Gateway on a relational row store. Every
// method is a single-statement operation, so per-row atomicity comes
// for free from the database.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) ListBrokers(ctx context.Context) ([]store.BrokerConfig, error) {
	var out []store.BrokerConfig
	err := s.db.WithContext(ctx).Order("created_at").Find(&out).Error
	return out, err
}

func (s *Store) GetBroker(ctx context.Context, id string) (*store.BrokerConfig, error) {
	var b store.BrokerConfig
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (s *Store) CreateBroker(ctx context.Context, b *store.BrokerConfig) error {
	return s.db.WithContext(ctx).Create(b).Error
}

func (s *Store) UpdateBroker(ctx context.Context, b *store.BrokerConfig) error {
	return s.db.WithContext(ctx).Save(b).Error
}

func (s *Store) DeleteBroker(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&store.BrokerConfig{}, "id = ?", id).Error
}

func (s *Store) ListDevices(ctx context.Context) ([]store.DeviceConfig, error) {
	var out []store.DeviceConfig
	err := s.db.WithContext(ctx).Order("created_at").Find(&out).Error
	return out, err
}

func (s *Store) GetDevice(ctx context.Context, id string) (*store.DeviceConfig, error) {
	var d store.DeviceConfig
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *Store) CreateDevice(ctx context.Context, d *store.DeviceConfig) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *Store) DetachDevices(ctx context.Context, brokerID string) error {
	return s.db.WithContext(ctx).
		Model(&store.DeviceConfig{}).
		Where("broker_id = ?", brokerID).
		Update("broker_id", nil).Error
}

func (s *Store) TouchDeviceSeen(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&store.DeviceConfig{}).
		Where("id = ?", id).
		Update("last_seen_at", at).Error
}

func (s *Store) AppendMessage(ctx context.Context, m *store.Message) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) RecentMessages(ctx context.Context, limit int) ([]store.Message, error) {
	var out []store.Message
	err := s.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *Store) PruneMessages(ctx context.Context, keep int) error {
	return s.db.WithContext(ctx).Exec(
		`DELETE FROM messages WHERE id NOT IN
		 (SELECT id FROM messages ORDER BY timestamp DESC LIMIT ?)`, keep).Error
}

func (s *Store) AppendReadings(ctx context.Context, rs []store.SensorReading) error {
	if len(rs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&rs).Error
}
