package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/stage"
)

// Triager classifies an incident from its enrichment findings. Each finding
// earns points (malicious 50, suspicious 30, plus confidence x 30); the
// highest-scoring finding sets the severity.
type Triager struct{}

// NewTriager creates the points-based triager.
func NewTriager() *Triager {
	return &Triager{}
}

// Name returns the canonical triage stage name.
func (t *Triager) Name() string { return stage.Triage }

// Execute scores the findings and sets Severity and Score on the incident
// snapshot. Severity uses the raw points; Score is the 1-10 normalization.
func (t *Triager) Execute(_ context.Context, req stage.Request) (stage.Result, error) {
	inc := req.Incident
	if len(inc.Enrichment) == 0 {
		return stage.Result{}, errors.New("enrichment data missing")
	}

	indicators := make([]string, 0, len(inc.Enrichment))
	for k := range inc.Enrichment {
		indicators = append(indicators, k)
	}
	sort.Strings(indicators)

	var (
		top       string
		topPoints float64
	)
	for _, k := range indicators {
		f := inc.Enrichment[k]
		points := verdictPoints(f.Verdict) + f.Confidence*30
		if top == "" || points > topPoints {
			top = k
			topPoints = points
		}
	}

	inc.Severity = severityFor(topPoints)
	inc.Score = normalizeScore(topPoints)

	f := inc.Enrichment[top]
	msg := fmt.Sprintf("severity %s (score %d/10), driven by %s (%s, confidence %.2f)",
		inc.Severity, inc.Score, top, f.Verdict, f.Confidence)
	return stage.Result{Incident: inc, Outcome: stage.OutcomeSuccess, Message: msg}, nil
}

func verdictPoints(verdict string) float64 {
	switch verdict {
	case "malicious":
		return 50
	case "suspicious":
		return 30
	default:
		return 0
	}
}

func severityFor(points float64) incident.Severity {
	switch {
	case points >= 80:
		return incident.SeverityCritical
	case points >= 60:
		return incident.SeverityHigh
	case points >= 40:
		return incident.SeverityMedium
	default:
		return incident.SeverityLow
	}
}

// normalizeScore maps raw points onto the 1-10 scale.
func normalizeScore(points float64) int {
	score := int(math.Round(points / 10))
	if score < 1 {
		return 1
	}
	if score > 10 {
		return 10
	}
	return score
}
