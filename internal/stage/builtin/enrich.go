package builtin

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/stage"
)

const intelSource = "Mock Threat Intel DB"

// Enricher annotates each alert observable with a verdict from a static
// threat-intel table. Unknown observables get an explicit unknown finding so
// triage sees every indicator it must score.
type Enricher struct {
	intel map[string]incident.Finding
}

// NewEnricher creates an enricher backed by the builtin intel table.
func NewEnricher() *Enricher {
	return &Enricher{
		intel: map[string]incident.Finding{
			"192.168.1.100":                    {Verdict: "suspicious", Confidence: 0.65, Category: "C2_server"},
			"10.0.0.50":                        {Verdict: "malicious", Confidence: 0.92, Category: "malware_host"},
			"malicious-site.com":               {Verdict: "malicious", Confidence: 0.98, Category: "phishing"},
			"d41d8cd98f00b204e9800998ecf8427e": {Verdict: "malicious", Confidence: 0.88, Category: "ransomware"},
		},
	}
}

// Name returns the canonical enrich stage name.
func (e *Enricher) Name() string { return stage.Enrich }

// Execute looks up every observable and attaches the findings to the
// incident snapshot.
func (e *Enricher) Execute(_ context.Context, req stage.Request) (stage.Result, error) {
	a, err := decodeAlert(req.Incident)
	if err != nil {
		return stage.Result{}, err
	}

	findings := make(map[string]incident.Finding)
	var malicious, suspicious int
	for _, v := range indicatorValues(a) {
		f, ok := e.intel[v]
		if !ok {
			f = incident.Finding{Verdict: "unknown", Confidence: 0, Category: "unknown"}
		}
		f.Indicator = v
		f.Sources = []string{intelSource}
		findings[v] = f

		switch f.Verdict {
		case "malicious":
			malicious++
		case "suspicious":
			suspicious++
		}
	}

	inc := req.Incident
	inc.Enrichment = findings

	msg := fmt.Sprintf("enriched %d indicators (%d malicious, %d suspicious)",
		len(findings), malicious, suspicious)
	return stage.Result{Incident: inc, Outcome: stage.OutcomeSuccess, Message: msg}, nil
}
