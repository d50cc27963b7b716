package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// SystemSetting stores runtime switches (kill switch, loop feature flags) in the DB.
type SystemSetting struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	Key string `gorm:"type:varchar(120);not null;uniqueIndex"`

	// JSON value, e.g. true/false for switches.
	Value datatypes.JSON `gorm:"not null"`

	Description string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime;index"`
}

func (SystemSetting) TableName() string {
	return "system_settings"
}

// Bool decodes the value as a switch; ok is false when it is not a JSON bool.
func (s SystemSetting) Bool() (value bool, ok bool) {
	if len(s.Value) == 0 {
		return false, false
	}
	if err := json.Unmarshal(s.Value, &value); err != nil {
		return false, false
	}
	return value, true
}
