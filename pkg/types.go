// Package pkg defines the shared types used across the merchsense engine
package pkg

import (
	"fmt"
	"time"
)

// Prediction source methods recognized by the consensus merger
const (
	SourceLocation   = "location"
	SourceHistorical = "historical"
	SourceTerminal   = "terminal"
	SourceWiFi       = "wifi"
	SourceBLE        = "ble"
	SourceLLM        = "llm"
)

// VerificationSource describes how a cache record was verified
type VerificationSource string

const (
	VerifiedManual      VerificationSource = "manual"
	VerifiedFeedback    VerificationSource = "feedback"
	VerifiedExternalAPI VerificationSource = "external_api"
)

// PredictionSource is one independent opinion about the MCC for a query.
// It is transient: sources are fused by the consensus merger and never
// persisted themselves.
type PredictionSource struct {
	Method     string  `json:"method"`
	MCC        string  `json:"mcc"`
	Confidence float64 `json:"confidence"`
	Weight     float64 `json:"weight,omitempty"` // 0 means use the default weight for Method
	Evidence   string  `json:"evidence,omitempty"`
}

// Prediction is the fused, ranked answer for a query
type Prediction struct {
	MCC          string        `json:"mcc"`
	Confidence   float64       `json:"confidence"`
	Method       string        `json:"method"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

// Alternative is a lower-ranked candidate from the consensus merger
type Alternative struct {
	MCC        string  `json:"mcc"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
}

// LocationSample is a raw position fix handed in by a collaborator
type LocationSample struct {
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	Timestamp      time.Time `json:"timestamp"`
}

// ValidateMCC checks that mcc is exactly four ASCII digits
func ValidateMCC(mcc string) error {
	if len(mcc) != 4 {
		return fmt.Errorf("%w: %q", ErrInvalidMCC, mcc)
	}
	for _, c := range mcc {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidMCC, mcc)
		}
	}
	return nil
}

// ValidateConfidence checks that c is within [0, 1]
func ValidateConfidence(c float64) error {
	if c < 0 || c > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidConfidence, c)
	}
	return nil
}

// ValidateCoordinate checks that lat/lng are within the valid WGS84 ranges
func ValidateCoordinate(lat, lng float64) error {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidCoordinate, lat, lng)
	}
	return nil
}

// Validate checks a prediction source before it enters the merger
func (s PredictionSource) Validate() error {
	if err := ValidateMCC(s.MCC); err != nil {
		return err
	}
	if err := ValidateConfidence(s.Confidence); err != nil {
		return err
	}
	if s.Weight < 0 || s.Weight > 1 {
		return fmt.Errorf("%w: weight %v for %s", ErrInvalidConfidence, s.Weight, s.Method)
	}
	return nil
}
