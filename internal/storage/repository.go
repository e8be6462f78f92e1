package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Validation bounds applied by SaveReading.
const (
	MinPH          = 0.0
	MaxPH          = 14.0
	MinTurbidity   = 0.0
	MinTemperature = -20.0
	MaxTemperature = 100.0
)

var (
	// ErrDeviceExists is returned by RegisterDevice for a duplicate device code.
	ErrDeviceExists = errors.New("device already registered")
	// ErrDeviceNotFound is returned by lookups of unknown device codes.
	ErrDeviceNotFound = errors.New("device not found")
)

// SavePayload is the numeric content of a reading handed to storage.
type SavePayload struct {
	PH          float64 `json:"ph"`
	Turbidity   float64 `json:"turbidity"`
	Temperature float64 `json:"temperature"`
}

// SaveResult is the outcome of SaveReading. Code follows HTTP semantics:
// 201 created, 400 invalid payload, 404 unknown device.
type SaveResult struct {
	Messages []string `json:"message"`
	Code     int      `json:"code"`
	Success  bool     `json:"success"`
}

// Message joins the result messages into one line.
func (r SaveResult) Message() string {
	if len(r.Messages) == 0 {
		return fmt.Sprintf("storage rejected reading (code %d)", r.Code)
	}
	return fmt.Sprintf("storage rejected reading (code %d): %s", r.Code, strings.Join(r.Messages, "; "))
}

// RepositoryConfig holds the configuration for the Repository.
type RepositoryConfig struct {
	Logger *slog.Logger
	DB     *gorm.DB
	// AutoRegister creates unknown devices on their first saved reading
	// instead of rejecting the reading with 404.
	AutoRegister bool
}

// Repository stores devices and readings.
type Repository struct {
	logger       *slog.Logger
	db           *gorm.DB
	autoRegister bool
}

// NewRepository creates a new Repository instance.
func NewRepository(cfg *RepositoryConfig) (*Repository, error) {
	if cfg == nil {
		return nil, errors.New("repository config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	return &Repository{
		logger:       cfg.Logger,
		db:           cfg.DB,
		autoRegister: cfg.AutoRegister,
	}, nil
}

// Validate returns every reason payload cannot be stored.
func Validate(payload SavePayload, deviceCode string) []string {
	var msgs []string
	if strings.TrimSpace(deviceCode) == "" {
		msgs = append(msgs, "deviceCode is required")
	}
	if !inRange(payload.PH, MinPH, MaxPH) {
		msgs = append(msgs, fmt.Sprintf("ph must be between %g and %g", MinPH, MaxPH))
	}
	if !inRange(payload.Turbidity, MinTurbidity, math.Inf(1)) {
		msgs = append(msgs, fmt.Sprintf("turbidity must be at least %g", MinTurbidity))
	}
	if !inRange(payload.Temperature, MinTemperature, MaxTemperature) {
		msgs = append(msgs, fmt.Sprintf("temperature must be between %g and %g", MinTemperature, MaxTemperature))
	}
	return msgs
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

// SaveReading validates and stores one reading for deviceCode.
//
// Validation failures and unknown devices are reported in the result with a
// nil error; the error is reserved for database failures.
func (r *Repository) SaveReading(ctx context.Context, payload SavePayload, deviceCode string) (SaveResult, error) {
	if msgs := Validate(payload, deviceCode); len(msgs) > 0 {
		return SaveResult{Success: false, Code: http.StatusBadRequest, Messages: msgs}, nil
	}

	row := &WaterReading{
		DeviceCode:  deviceCode,
		PH:          payload.PH,
		Turbidity:   payload.Turbidity,
		Temperature: payload.Temperature,
		RecordedAt:  time.Now().UTC(),
	}

	var result SaveResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Device{}).Where("device_code = ?", deviceCode).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to look up device: %w", err)
		}

		if count == 0 {
			if !r.autoRegister {
				result = SaveResult{
					Success:  false,
					Code:     http.StatusNotFound,
					Messages: []string{fmt.Sprintf("device %q is not registered", deviceCode)},
				}
				return nil
			}
			if err := tx.Create(&Device{DeviceCode: deviceCode, Name: deviceCode}).Error; err != nil {
				return fmt.Errorf("failed to auto-register device: %w", err)
			}
			r.logger.Info("device auto-registered", "device_code", deviceCode)
		}

		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to create water reading: %w", err)
		}

		result = SaveResult{
			Success:  true,
			Code:     http.StatusCreated,
			Messages: []string{"reading saved"},
		}
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}

	return result, nil
}

// RegisterDevice creates a device record.
func (r *Repository) RegisterDevice(ctx context.Context, device *Device) error {
	if device == nil || strings.TrimSpace(device.DeviceCode) == "" {
		return errors.New("device code cannot be empty")
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&Device{}).Where("device_code = ?", device.DeviceCode).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to look up device: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDeviceExists, device.DeviceCode)
	}

	if err := r.db.WithContext(ctx).Create(device).Error; err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	r.logger.Info("device registered", "device_code", device.DeviceCode)
	return nil
}

// GetDevice returns the device registered under code.
func (r *Repository) GetDevice(ctx context.Context, code string) (*Device, error) {
	var device Device
	err := r.db.WithContext(ctx).Where("device_code = ?", code).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

// ListDevices returns all registered devices ordered by code.
func (r *Repository) ListDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := r.db.WithContext(ctx).Order("device_code").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// RecentReadings returns up to limit of the newest readings for code,
// newest first. A non-positive limit defaults to 100.
func (r *Repository) RecentReadings(ctx context.Context, code string, limit int) ([]WaterReading, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 10000 {
		limit = 10000
	}

	var rows []WaterReading
	err := r.db.WithContext(ctx).
		Where("device_code = ?", code).
		Order("recorded_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}
	return rows, nil
}
