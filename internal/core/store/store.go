// Package store holds the persisted data model and the gateway
// contract every durable read/write in the system goes through.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("record not found")

// Gateway is the single doorway to durable storage. All writes are
// atomic per row; nothing else in the process touches the database.
type Gateway interface {
	ListBrokers(ctx context.Context) ([]BrokerConfig, error)
	GetBroker(ctx context.Context, id string) (*BrokerConfig, error)
	CreateBroker(ctx context.Context, b *BrokerConfig) error
	UpdateBroker(ctx context.Context, b *BrokerConfig) error
	DeleteBroker(ctx context.Context, id string) error

	ListDevices(ctx context.Context) ([]DeviceConfig, error)
	GetDevice(ctx context.Context, id string) (*DeviceConfig, error)
	CreateDevice(ctx context.Context, d *DeviceConfig) error
	// DetachDevices clears BrokerID on every device routed through the
	// given broker; routing for them then falls back to "unrouted".
	DetachDevices(ctx context.Context, brokerID string) error
	TouchDeviceSeen(ctx context.Context, id string, at time.Time) error

	AppendMessage(ctx context.Context, m *Message) error
	RecentMessages(ctx context.Context, limit int) ([]Message, error)
	// PruneMessages trims the log to the newest keep rows. Runs from a
	// background janitor, never on the message hot path.
	PruneMessages(ctx context.Context, keep int) error

	AppendReadings(ctx context.Context, rs []SensorReading) error
}
