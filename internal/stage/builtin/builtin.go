// Package builtin provides the default stage handlers: a static
// threat-intel enricher, a points-based severity triager, and a simulated
// remediation executor. Deployments swap these out by registering their own
// handlers under the same stage names.
package builtin

import (
	"fmt"
	"sort"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/incident"
)

// decodeAlert recovers the original alert from the incident record. The
// payload was validated at ingestion, so a decode failure here is permanent.
func decodeAlert(inc *incident.Incident) (*alert.Alert, error) {
	a, err := alert.Parse(inc.RawAlert)
	if err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	return a, nil
}

// indicatorValues collects the alert's observables: the source IP plus
// every indicator value, sorted for deterministic processing.
func indicatorValues(a *alert.Alert) []string {
	seen := make(map[string]struct{}, len(a.Indicators)+1)
	var out []string
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	add(a.SourceIP)
	for _, v := range a.Indicators {
		add(v)
	}
	sort.Strings(out)
	return out
}
