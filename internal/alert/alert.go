// Package alert defines the inbound security alert payload and its
// ingestion validation rules.
package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Alert is the raw security alert as delivered by an upstream detection
// system. It is captured verbatim on the incident record for audit.
type Alert struct {
	AlertID    string            `json:"alert_id"`
	Type       string            `json:"type"`
	SourceIP   string            `json:"source_ip,omitempty"`
	Indicators map[string]string `json:"indicators"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ValidationError reports a malformed alert payload. Alerts failing
// validation are rejected before any incident record is created.
type ValidationError struct {
	err error
}

func (e *ValidationError) Error() string {
	return "invalid alert: " + e.err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.err
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Parse decodes and validates an alert payload.
func Parse(data []byte) (*Alert, error) {
	var a Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, &ValidationError{err: fmt.Errorf("malformed JSON: %w", err)}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate checks the required alert fields, accumulating all problems.
func (a *Alert) Validate() error {
	var errs []error

	if a.AlertID == "" {
		errs = append(errs, errors.New("alert_id is required"))
	}
	if a.Type == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if a.Indicators == nil {
		errs = append(errs, errors.New("indicators is required"))
	} else if len(a.Indicators) == 0 {
		errs = append(errs, errors.New("indicators must not be empty"))
	} else {
		for k, v := range a.Indicators {
			if v == "" {
				errs = append(errs, fmt.Errorf("indicator %q has empty value", k))
			}
		}
	}
	if a.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}

	if err := errors.Join(errs...); err != nil {
		return &ValidationError{err: err}
	}
	return nil
}
