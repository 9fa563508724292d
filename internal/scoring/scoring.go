// Package scoring is the IAESG engine: pure, total functions grading one
// impact record against its recent history. Identical inputs always produce
// identical outputs, which export-time re-aggregation depends on.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/berylholdingsa/berylecosysteme-sub000/internal/ledger"
)

// Anomaly flags. Multiple flags may co-occur on one record.
const (
	FlagDistanceImplausible      = "DISTANCE_IMPLAUSIBLE"
	FlagSpeedOutOfRange          = "SPEED_OUT_OF_RANGE"
	FlagPatternDuplication       = "PATTERN_DUPLICATION"
	FlagMethodologyInconsistence = "METHODOLOGY_INCONSISTENCE"
	FlagCryptoIntegrityFailure   = "CRYPTO_INTEGRITY_FAILURE"
)

const (
	maxPlausibleDistanceKM = 1000.0
	maxEventAge            = 10 * 365 * 24 * time.Hour
	maxEventFutureDrift    = 5 * time.Minute
	burstWindow            = time.Hour
	burstThreshold         = 4
	duplicateWindow        = 24 * time.Hour
	duplicateDistanceKM    = 0.1
	deviationRatioLimit    = 3.0
	speedNormalKMH         = 130.0
	speedSuspiciousKMH     = 180.0
)

// Features is the bag IAESG scores from: everything derived from one record
// plus the caller-supplied history, nothing reaching outside its inputs.
type Features struct {
	DistanceKM             float64 `json:"distance_km"`
	DistancePlausible      bool    `json:"distance_plausible"`
	FactorsConsistent      bool    `json:"factors_consistent"`
	TimestampCoherent      bool    `json:"timestamp_coherent"`
	SpeedKnown             bool    `json:"speed_known"`
	SpeedKMH               float64 `json:"speed_kmh"`
	BurstDetected          bool    `json:"burst_detected"`
	EventsLastHour         int     `json:"events_last_hour"`
	DistanceDeviationRatio float64 `json:"distance_deviation_ratio"`
	DuplicateSimilarCount  int     `json:"duplicate_similar_count"`
	CryptoIntegrityOK      bool    `json:"crypto_integrity_ok"`
}

// ExtractFeatures derives the feature bag for rec. History rows are prior
// events of the same user, any order; cryptoOK is the caller's verdict on the
// record's hash/signature chain.
func ExtractFeatures(rec ledger.Record, history []ledger.Record, now time.Time, cryptoOK bool) Features {
	f := Features{
		DistanceKM:        rec.DistanceKM,
		DistancePlausible: rec.DistanceKM > 0 && rec.DistanceKM <= maxPlausibleDistanceKM,
		FactorsConsistent: rec.ThermalFactorLocal > rec.EVFactorLocal && rec.EVFactorLocal >= 0,
		CryptoIntegrityOK: cryptoOK,
	}

	age := now.Sub(rec.EventTimestamp)
	f.TimestampCoherent = age <= maxEventAge && age >= -maxEventFutureDrift

	// Inferred speed against the nearest earlier event of the same user.
	var nearest *ledger.Record
	for i := range history {
		h := &history[i]
		if h.TripID == rec.TripID && h.ModelVersion == rec.ModelVersion {
			continue
		}
		if !h.EventTimestamp.Before(rec.EventTimestamp) {
			continue
		}
		if nearest == nil || h.EventTimestamp.After(nearest.EventTimestamp) {
			nearest = h
		}
	}
	if nearest != nil {
		gap := rec.EventTimestamp.Sub(nearest.EventTimestamp)
		if gap > 0 {
			f.SpeedKnown = true
			f.SpeedKMH = rec.DistanceKM / gap.Hours()
		}
	}

	// Burst: events inside the hour before this one, the record itself included.
	f.EventsLastHour = 1
	for i := range history {
		h := &history[i]
		if h.TripID == rec.TripID && h.ModelVersion == rec.ModelVersion {
			continue
		}
		gap := rec.EventTimestamp.Sub(h.EventTimestamp)
		if gap >= 0 && gap <= burstWindow {
			f.EventsLastHour++
		}
		if gap >= 0 && gap <= duplicateWindow &&
			h.GeoHash == rec.GeoHash && h.CountryCode == rec.CountryCode &&
			math.Abs(h.DistanceKM-rec.DistanceKM) <= duplicateDistanceKM {
			f.DuplicateSimilarCount++
		}
	}
	f.BurstDetected = f.EventsLastHour >= burstThreshold

	// Deviation against the rolling average of historical distances.
	if len(history) > 0 {
		var sum float64
		var n int
		for i := range history {
			h := &history[i]
			if h.TripID == rec.TripID && h.ModelVersion == rec.ModelVersion {
				continue
			}
			sum += h.DistanceKM
			n++
		}
		if n > 0 && sum > 0 {
			f.DistanceDeviationRatio = rec.DistanceKM / (sum / float64(n))
		}
	}

	return f
}

// ConfidenceScore applies the additive rubric and clamps to [0,100].
func ConfidenceScore(f Features) int {
	score := 50

	if f.DistancePlausible {
		score += 20
	} else {
		score -= 40
	}

	if f.CryptoIntegrityOK {
		score += 30
	} else {
		score -= 50
	}

	if f.SpeedKnown {
		switch {
		case f.SpeedKMH <= speedNormalKMH:
			score += 10
		case f.SpeedKMH <= speedSuspiciousKMH:
			score -= 15
		default:
			score -= 30
		}
	}

	if f.TimestampCoherent {
		score += 5
	} else {
		score -= 20
	}
	if f.BurstDetected {
		score -= 15
	}
	if f.DistanceDeviationRatio > deviationRatioLimit {
		score -= 10
	}
	if f.DuplicateSimilarCount > 0 {
		score -= 20
	}

	return clamp(score)
}

// IntegrityIndex weighs crypto integrity at 40 points, the rest split across
// methodology, timestamp and pattern consistency.
func IntegrityIndex(f Features) int {
	idx := 0
	if f.CryptoIntegrityOK {
		idx += 40
	}
	if f.FactorsConsistent {
		idx += 20
	}
	if f.TimestampCoherent {
		idx += 20
	}
	if f.DistancePlausible {
		idx += 10
	}
	if f.DuplicateSimilarCount == 0 && !f.BurstDetected {
		idx += 10
	}
	return clamp(idx)
}

// DetectAnomalies returns the sorted set of flags whose trigger holds.
func DetectAnomalies(f Features) []string {
	flags := []string{}
	if !f.DistancePlausible {
		flags = append(flags, FlagDistanceImplausible)
	}
	if f.SpeedKnown && f.SpeedKMH > speedSuspiciousKMH {
		flags = append(flags, FlagSpeedOutOfRange)
	}
	if f.DuplicateSimilarCount > 0 || f.BurstDetected {
		flags = append(flags, FlagPatternDuplication)
	}
	if !f.FactorsConsistent || !f.TimestampCoherent {
		flags = append(flags, FlagMethodologyInconsistence)
	}
	if !f.CryptoIntegrityOK {
		flags = append(flags, FlagCryptoIntegrityFailure)
	}
	sort.Strings(flags)
	return flags
}

// EvaluateAOQ is the three-way decision gate downstream systems act on.
// Hard flags override any score.
func EvaluateAOQ(score int, flags []string) string {
	for _, f := range flags {
		if f == FlagCryptoIntegrityFailure || f == FlagMethodologyInconsistence {
			return ledger.AOQReject
		}
	}
	switch {
	case score < 50:
		return ledger.AOQReject
	case score <= 80:
		return ledger.AOQReview
	default:
		return ledger.AOQPass
	}
}

// Explain packages the reasoning behind one grading into the structured blob
// stored alongside the ledger record.
func Explain(f Features, score, integrity int, flags []string, aoq string) map[string]any {
	return map[string]any{
		"features":         f,
		"confidence_score": score,
		"integrity_index":  integrity,
		"anomaly_flags":    flags,
		"aoq_status":       aoq,
		"rubric_version":   "iaesg-v1",
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
