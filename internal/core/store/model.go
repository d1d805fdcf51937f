package store

import "time"

// Message directions.
const (
	DirInbound  = "inbound"
	DirOutbound = "outbound"
)

// BrokerConfig is the persisted configuration of one external pub/sub
// broker. It includes GORM tags for database mapping and JSON tags for
// API responses. The credential is deliberately excluded from JSON so
// it can never leave the process through a response body.
type BrokerConfig struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id" example:"EDIVRWCLGGPGCW7M"`
	Name      string    `gorm:"not null" json:"name" example:"Lab"`
	Host      string    `gorm:"not null" json:"host" example:"10.0.0.5"`
	Port      int       `gorm:"not null" json:"port" example:"1883"`
	Username  string    `json:"username,omitempty"`
	Secret    string    `json:"-"` // opaque credential, never logged
	OwnerID   string    `gorm:"index" json:"owner_id,omitempty"`
	Enabled   bool      `json:"enabled" example:"true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceConfig maps a logical device to its owning broker. A nil
// BrokerID means the device is unrouted.
type DeviceConfig struct {
	ID          string     `gorm:"primaryKey;size:64" json:"id" example:"d1"`
	DisplayName string     `json:"display_name" example:"Greenhouse sensor"`
	BrokerID    *string    `gorm:"index;size:26" json:"broker_id"`
	DeviceType  string     `json:"device_type" example:"generic-json"`
	LastSeenAt  *time.Time `json:"last_seen_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Message is one append-only row of broker traffic, kept for
// diagnostics and the recent-messages read surface. DecodeError is set
// on the row itself when an inbound payload could not be interpreted.
type Message struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	BrokerID    string    `gorm:"index;size:26" json:"broker_id"`
	Topic       string    `json:"topic"`
	Payload     string    `json:"payload"`
	Direction   string    `gorm:"size:10" json:"direction" example:"inbound"`
	DecodeError string    `json:"decode_error,omitempty"`
	Timestamp   time.Time `gorm:"index" json:"timestamp"`
}

// SensorReading is one decoded measurement from an inbound message.
type SensorReading struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DeviceID   string    `gorm:"index;size:64" json:"device_id"`
	SensorType string    `gorm:"size:50" json:"sensor_type" example:"temperature"`
	Value      float64   `json:"value" example:"21.5"`
	Unit       string    `gorm:"size:20" json:"unit,omitempty" example:"C"`
	Timestamp  time.Time `gorm:"index" json:"timestamp"`
}
