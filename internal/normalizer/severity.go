package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/vigiasec/ingest/internal/model"
)

// severityStrings classifies the vendor severity vocabulary onto the
// canonical scale. Unknown strings map to medium.
var severityStrings = map[string]model.AlertSeverity{
	"critical": model.SeverityCritical, "fatal": model.SeverityCritical,
	"emergency": model.SeverityCritical, "severe": model.SeverityCritical,

	"high": model.SeverityHigh, "important": model.SeverityHigh,
	"error": model.SeverityHigh, "danger": model.SeverityHigh,
	"red": model.SeverityHigh, "major": model.SeverityHigh,

	"medium": model.SeverityMedium, "moderate": model.SeverityMedium,
	"warning": model.SeverityMedium, "amber": model.SeverityMedium,
	"yellow": model.SeverityMedium,

	"low": model.SeverityLow, "minor": model.SeverityLow,
	"info": model.SeverityLow, "informational": model.SeverityLow,
	"green": model.SeverityLow,
}

// MapSeverity resolves the canonical severity for one record. Vendor
// overrides (VirusTotal analysis stats, MISP threat level, OTX TLP) win over
// the generic numeric and string scales; with nothing to go on the result is
// medium.
func MapSeverity(vendor string, record map[string]any, raw any) model.AlertSeverity {
	switch strings.ToLower(strings.TrimSpace(vendor)) {
	case "virustotal":
		if sev, ok := vtSeverity(record); ok {
			return sev
		}
	case "misp":
		if sev, ok := mispSeverity(record); ok {
			return sev
		}
	case "otx", "alienvault":
		if sev, ok := otxSeverity(record); ok {
			return sev
		}
	}
	return genericSeverity(raw)
}

func genericSeverity(raw any) model.AlertSeverity {
	if raw == nil {
		return model.SeverityMedium
	}
	if f, ok := toFloat(raw); ok {
		return numericSeverity(f)
	}
	if s, ok := raw.(string); ok {
		if sev, ok := severityStrings[strings.ToLower(strings.TrimSpace(s))]; ok {
			return sev
		}
	}
	return model.SeverityMedium
}

// numericSeverity maps a 0..10 score; out-of-range values saturate.
func numericSeverity(f float64) model.AlertSeverity {
	switch {
	case f >= 9:
		return model.SeverityCritical
	case f >= 7:
		return model.SeverityHigh
	case f >= 4:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

var vtStatsPaths = []string{
	"attributes.last_analysis_stats",
	"data.attributes.last_analysis_stats",
	"last_analysis_stats",
}

// vtSeverity grades a VirusTotal verdict by the share of engines that flagged
// the sample: malicious / (malicious + harmless).
func vtSeverity(record map[string]any) (model.AlertSeverity, bool) {
	ratio, ok := vtDetectionRatio(record)
	if !ok {
		return "", false
	}
	switch {
	case ratio > 0.7:
		return model.SeverityCritical, true
	case ratio > 0.4:
		return model.SeverityHigh, true
	case ratio > 0.1:
		return model.SeverityMedium, true
	default:
		return model.SeverityLow, true
	}
}

func vtDetectionRatio(record map[string]any) (float64, bool) {
	for _, path := range vtStatsPaths {
		v, ok := lookupPath(record, path)
		if !ok {
			continue
		}
		stats, ok := v.(map[string]any)
		if !ok {
			continue
		}
		malicious, _ := toFloat(stats["malicious"])
		harmless, _ := toFloat(stats["harmless"])
		total := malicious + harmless
		if total <= 0 {
			if malicious > 0 {
				return 1, true
			}
			return 0, false
		}
		return malicious / total, true
	}
	return 0, false
}

var mispLevelPaths = []string{"Event.threat_level_id", "threat_level_id"}

// mispSeverity maps MISP threat_level_id 1..4 onto critical..low.
func mispSeverity(record map[string]any) (model.AlertSeverity, bool) {
	for _, path := range mispLevelPaths {
		v, ok := lookupPath(record, path)
		if !ok {
			continue
		}
		level, ok := toFloat(v)
		if !ok {
			continue
		}
		switch int(level) {
		case 1:
			return model.SeverityCritical, true
		case 2:
			return model.SeverityHigh, true
		case 3:
			return model.SeverityMedium, true
		case 4:
			return model.SeverityLow, true
		}
	}
	return "", false
}

var otxTLPPaths = []string{"tlp", "TLP"}

// otxSeverity maps the OTX traffic-light protocol onto the canonical scale.
func otxSeverity(record map[string]any) (model.AlertSeverity, bool) {
	for _, path := range otxTLPPaths {
		v, ok := lookupPath(record, path)
		if !ok {
			continue
		}
		switch strings.ToLower(asString(v)) {
		case "red":
			return model.SeverityCritical, true
		case "amber":
			return model.SeverityHigh, true
		case "green":
			return model.SeverityMedium, true
		case "white":
			return model.SeverityLow, true
		}
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
