package models

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable telemetry store unreachable; the asset is skipped for this cycle.
	ErrSourceUnavailable = errors.New("telemetry source unavailable")
	// ErrInsufficientData too few readings or labels; callers degrade confidence instead of failing.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrNoData the feature extractor found fewer than the minimum usable readings.
	ErrNoData = fmt.Errorf("no data: %w", ErrInsufficientData)

	ErrMeterNotFound      = errors.New("meter not found")
	ErrRuleNotFound       = errors.New("rule not found")
	ErrWorkOrderNotFound  = errors.New("work order not found")
	ErrAssetNotFound      = errors.New("asset not found")
	ErrPredictionNotFound = errors.New("prediction not found")

	// ErrUpsertConflict two evaluations raced on the same dedup key and the retry did not resolve it.
	ErrUpsertConflict = errors.New("work order upsert conflict")

	ErrTenantRequired = errors.New("tenant_id is required")
	ErrTenantMismatch = errors.New("record does not belong to tenant")

	ErrModelUnavailable = errors.New("no trained model available")
)
