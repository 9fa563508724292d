// Package ledger owns the append-only impact ledger: one signed CO2-avoided
// record per (trip_id, model_version), never updated, never deleted.
package ledger

import (
	"time"
)

// AOQ statuses assigned by the scoring gate.
const (
	AOQPass   = "PASS"
	AOQReview = "REVIEW"
	AOQReject = "REJECT"
)

// Record is one immutable impact ledger row. Identity is
// (trip_id, model_version); CreatedAt is server-assigned.
type Record struct {
	TripID             string         `json:"trip_id"`
	ModelVersion       string         `json:"model_version"`
	UserID             string         `json:"user_id"`
	VehicleID          string         `json:"vehicle_id"`
	CountryCode        string         `json:"country_code"`
	GeoHash            string         `json:"geo_hash"`
	DistanceKM         float64        `json:"distance_km"`
	CO2AvoidedKG       float64        `json:"co2_avoided_kg"`
	ThermalFactorLocal float64        `json:"thermal_factor_local"`
	EVFactorLocal      float64        `json:"ev_factor_local"`
	EventHash          string         `json:"event_hash"`
	Checksum           string         `json:"checksum"`
	Signature          string         `json:"signature"`
	SignatureAlgorithm string         `json:"signature_algorithm"`
	KeyVersion         string         `json:"key_version"`
	AsymSignature      string         `json:"asym_signature"`
	AsymAlgorithm      string         `json:"asym_algorithm"`
	AsymKeyVersion     string         `json:"asym_key_version"`
	ConfidenceScore    int            `json:"confidence_score"`
	IntegrityIndex     int            `json:"integrity_index"`
	AnomalyFlags       []string       `json:"anomaly_flags"`
	AOQStatus          string         `json:"aoq_status"`
	Explanation        map[string]any `json:"explanation"`
	CorrelationID      string         `json:"correlation_id"`
	EventTimestamp     time.Time      `json:"event_timestamp"`
	CreatedAt          time.Time      `json:"created_at"`
}

// WindowAggregate summarizes one ledger time window without deduplication.
type WindowAggregate struct {
	Count           int64   `json:"count"`
	TotalCO2KG      float64 `json:"total_co2_kg"`
	TotalDistanceKM float64 `json:"total_distance_km"`
}
