/*
Copyright 2024 The Spotalis Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates this service's environment-derived
// configuration. The result is read once at startup and never mutated.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/engine"
)

// Config is the frozen set of options this service runs with. There are
// no setters; callers treat the returned value as read-only.
type Config struct {
	SpotPreference         engine.Mode
	DefaultSpotRatio       float64
	WebhookTimeoutSeconds  int
	WebhookBindAddress     string
	MetricsBindAddress     string
	RedisURL               string
	RedisDefaultTTLSeconds int64
	CapacityTypeLabel      string
	WorkloadRoleLabel      string
	DriverRoleValue        string
	ExecutorRoleValue      string
	JobIDLabel             string
	SpotRatioAnnotation    string
	ReconcileEnabled       bool
	ReconcileIntervalSecs  int
	LogLevel               string
}

func defaults() Config {
	return Config{
		SpotPreference:         engine.Strict,
		DefaultSpotRatio:       0.5,
		WebhookTimeoutSeconds:  10,
		WebhookBindAddress:     ":8443",
		MetricsBindAddress:     ":9090",
		RedisDefaultTTLSeconds: 86400,
		CapacityTypeLabel:      "karpenter.sh/capacity-type",
		WorkloadRoleLabel:      "spark-role",
		DriverRoleValue:        "driver",
		ExecutorRoleValue:      "executor",
		JobIDLabel:             "emr-containers.amazonaws.com/job.id",
		SpotRatioAnnotation:    "workload/spot-ratio",
		ReconcileEnabled:       true,
		ReconcileIntervalSecs:  60,
		LogLevel:               "info",
	}
}

// Load reads every recognized option from the environment, applies
// defaults for anything unset, and validates the result.
func Load() (Config, error) {
	cfg := defaults()

	if v := os.Getenv("SPOT_PREFERENCE"); v != "" {
		switch strings.ToUpper(v) {
		case "STRICT":
			cfg.SpotPreference = engine.Strict
		case "BEST_EFFORT":
			cfg.SpotPreference = engine.BestEffort
		default:
			return Config{}, fmt.Errorf("config: SPOT_PREFERENCE must be STRICT or BEST_EFFORT, got %q", v)
		}
	}

	if v := os.Getenv("DEFAULT_SPOT_RATIO"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("config: DEFAULT_SPOT_RATIO: %w", err)
		}
		cfg.DefaultSpotRatio = clamp(f)
	}

	if v := os.Getenv("WEBHOOK_TIMEOUT_SECONDS"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: WEBHOOK_TIMEOUT_SECONDS: %w", err)
		}
		cfg.WebhookTimeoutSeconds = i
	}

	if v := os.Getenv("WEBHOOK_BIND_ADDRESS"); v != "" {
		cfg.WebhookBindAddress = v
	}
	if v := os.Getenv("METRICS_BIND_ADDRESS"); v != "" {
		cfg.MetricsBindAddress = v
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")

	if v := os.Getenv("REDIS_DEFAULT_TTL_SECONDS"); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("config: REDIS_DEFAULT_TTL_SECONDS: %w", err)
		}
		cfg.RedisDefaultTTLSeconds = i
	}

	if v := os.Getenv("CAPACITY_TYPE_LABEL"); v != "" {
		cfg.CapacityTypeLabel = v
	}
	if v := os.Getenv("WORKLOAD_ROLE_LABEL"); v != "" {
		cfg.WorkloadRoleLabel = v
	}
	if v := os.Getenv("DRIVER_ROLE_VALUE"); v != "" {
		cfg.DriverRoleValue = v
	}
	if v := os.Getenv("EXECUTOR_ROLE_VALUE"); v != "" {
		cfg.ExecutorRoleValue = v
	}
	if v := os.Getenv("JOB_ID_LABEL"); v != "" {
		cfg.JobIDLabel = v
	}
	if v := os.Getenv("SPOT_RATIO_ANNOTATION"); v != "" {
		cfg.SpotRatioAnnotation = v
	}

	if v := os.Getenv("RECONCILE_ENABLED"); v != "" {
		cfg.ReconcileEnabled = parseBool(v, cfg.ReconcileEnabled)
	}
	if v := os.Getenv("RECONCILE_INTERVAL_SECONDS"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: RECONCILE_INTERVAL_SECONDS: %w", err)
		}
		cfg.ReconcileIntervalSecs = i
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks required fields and value ranges. A failure here is
// fatal at startup, per the error-handling design.
func (c Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required")
	}
	if c.DefaultSpotRatio < 0 || c.DefaultSpotRatio > 1 {
		return fmt.Errorf("config: DEFAULT_SPOT_RATIO must be in [0,1], got %v", c.DefaultSpotRatio)
	}
	if c.WebhookTimeoutSeconds <= 0 {
		return fmt.Errorf("config: WEBHOOK_TIMEOUT_SECONDS must be positive")
	}
	if c.RedisDefaultTTLSeconds <= 0 {
		return fmt.Errorf("config: REDIS_DEFAULT_TTL_SECONDS must be positive")
	}
	if c.ReconcileEnabled && c.ReconcileIntervalSecs <= 0 {
		return fmt.Errorf("config: RECONCILE_INTERVAL_SECONDS must be positive when reconciliation is enabled")
	}
	if c.CapacityTypeLabel == "" || c.WorkloadRoleLabel == "" || c.JobIDLabel == "" || c.SpotRatioAnnotation == "" {
		return fmt.Errorf("config: label/annotation keys must not be empty")
	}
	if c.DriverRoleValue == "" || c.ExecutorRoleValue == "" || c.DriverRoleValue == c.ExecutorRoleValue {
		return fmt.Errorf("config: DRIVER_ROLE_VALUE and EXECUTOR_ROLE_VALUE must be distinct and non-empty")
	}
	return nil
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}
