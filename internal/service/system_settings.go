package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"

	"autopilot/internal/models"
	"autopilot/internal/repository"
)

const (
	FeatureGeneration = "feature.generation"
	FeatureExecution  = "feature.execution"
	FeatureAllocation = "feature.allocation"
	FeatureAlwaysRun  = "feature.always_run"
	FeatureLiveOrders = "feature.live_orders"

	// KillSwitchKey blocks every new order approval while true.
	KillSwitchKey = "risk.kill_switch"
)

func DefaultFeatureSwitches() map[string]bool {
	return map[string]bool{
		FeatureGeneration: true,
		FeatureExecution:  true,
		FeatureAllocation: true,
		FeatureAlwaysRun:  true,
		FeatureLiveOrders: false,
	}
}

type SystemSettingsService struct {
	Repo repository.Repository
}

// EnsureDefaultSwitches seeds missing switches and the kill switch (off). Existing values are kept.
func (s *SystemSettingsService) EnsureDefaultSwitches(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	defaults := DefaultFeatureSwitches()
	defaults[KillSwitchKey] = false
	for key, enabled := range defaults {
		existing, err := s.Repo.GetSystemSettingByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := s.set(ctx, key, enabled, describe(key)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemSettingsService) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	enabled, found, err := s.Lookup(ctx, key)
	if err != nil || !found {
		return fallback
	}
	return enabled
}

// Lookup reports the stored switch value; found is false when the key is missing or not a bool.
func (s *SystemSettingsService) Lookup(ctx context.Context, key string) (enabled bool, found bool, err error) {
	if s == nil || s.Repo == nil {
		return false, false, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, false, nil
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, key)
	if err != nil {
		return false, false, err
	}
	if item == nil {
		return false, false, nil
	}
	enabled, found = item.Bool()
	return enabled, found, nil
}

func (s *SystemSettingsService) SetEnabled(ctx context.Context, key string, enabled bool) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.set(ctx, key, enabled, describe(key))
}

// KillSwitch satisfies risk.SwitchSource.
func (s *SystemSettingsService) KillSwitch(ctx context.Context) (bool, error) {
	enabled, _, err := s.Lookup(ctx, KillSwitchKey)
	return enabled, err
}

func (s *SystemSettingsService) SetKillSwitch(ctx context.Context, engaged bool) error {
	return s.SetEnabled(ctx, KillSwitchKey, engaged)
}

func (s *SystemSettingsService) set(ctx context.Context, key string, enabled bool, description string) error {
	raw, _ := json.Marshal(enabled)
	now := time.Now().UTC()
	item := &models.SystemSetting{
		Key:         key,
		Value:       datatypes.JSON(raw),
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.Repo.UpsertSystemSetting(ctx, item)
}

func describe(key string) string {
	if key == KillSwitchKey {
		return "global emergency stop"
	}
	return "feature switch"
}
