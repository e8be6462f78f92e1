// Package storage persists water-quality readings and registered devices with gorm.
package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Device is a registered water-quality sensor unit.
type Device struct {
	RegisteredAt time.Time      `gorm:"autoCreateTime" json:"registeredAt"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	DeviceCode   string         `gorm:"uniqueIndex;not null" json:"deviceCode"`
	Name         string         `json:"name"`
	Location     string         `json:"location"`
	ID           uint           `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "devices"
}

// WaterReading is one persisted reading.
type WaterReading struct {
	RecordedAt  time.Time `gorm:"index:idx_device_recorded;not null" json:"recordedAt"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	DeviceCode  string    `gorm:"index:idx_device_recorded;not null" json:"deviceCode"`
	PH          float64   `gorm:"column:ph;not null" json:"ph"`
	Turbidity   float64   `gorm:"not null" json:"turbidity"`
	Temperature float64   `gorm:"not null" json:"temperature"`
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
}

// TableName specifies the table name for WaterReading model.
func (WaterReading) TableName() string {
	return "water_readings"
}

// BeforeCreate assigns a random ID to readings created without one.
func (r *WaterReading) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
