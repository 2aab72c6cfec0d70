package normalizer

import (
	"math"
	"strings"

	"github.com/vigiasec/ingest/internal/model"
)

var intelVendorNames = map[string]struct{}{
	"misp": {}, "otx": {}, "alienvault": {}, "virustotal": {},
}

// isIntelVendor reports whether records from this vendor also produce
// ThreatIntel rows. Feed-style vendors carry "threat" in their name.
func isIntelVendor(vendor string) bool {
	v := strings.ToLower(strings.TrimSpace(vendor))
	if _, ok := intelVendorNames[v]; ok {
		return true
	}
	return strings.Contains(v, "threat")
}

// deriveIntel builds the ThreatIntel record that accompanies an alert from an
// intelligence vendor.
func deriveIntel(vendor string, record map[string]any, alert *model.Alert, iocs model.IOCSet) *model.ThreatIntel {
	return &model.ThreatIntel{
		Type:        classifyIntel(alert.Title+" "+alert.Description, iocs),
		Title:       alert.Title,
		Description: alert.Description,
		Source:      alert.Source,
		Severity:    alert.Severity,
		Confidence:  intelConfidence(vendor, record),
		IOCs:        iocs,
		Relevance:   intelRelevance(alert.Severity),
	}
}

// classifyIntel keys on the threat vocabulary of the title/description;
// ransomware and APT phrasing outranks the generic malware bucket.
func classifyIntel(text string, iocs model.IOCSet) model.IntelType {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "ransomware"):
		return model.IntelRansomware
	case strings.Contains(t, "apt") || strings.Contains(t, "advanced persistent"):
		return model.IntelAPT
	case strings.Contains(t, "phish"):
		return model.IntelPhishing
	case strings.Contains(t, "malware") || strings.Contains(t, "trojan") ||
		strings.Contains(t, "botnet") || strings.Contains(t, "worm"):
		return model.IntelMalware
	case !iocs.Empty():
		return model.IntelIOC
	default:
		return model.IntelGeneral
	}
}

// intelConfidence scores 0..100. VirusTotal confidence follows the detection
// ratio, MISP follows the threat level, everything else sits mid-scale.
func intelConfidence(vendor string, record map[string]any) int {
	switch strings.ToLower(strings.TrimSpace(vendor)) {
	case "virustotal":
		if ratio, ok := vtDetectionRatio(record); ok {
			return clampConfidence(int(math.Round(ratio * 100)))
		}
	case "misp":
		for _, path := range mispLevelPaths {
			if v, ok := lookupPath(record, path); ok {
				if level, ok := toFloat(v); ok {
					switch int(level) {
					case 1:
						return 90
					case 2:
						return 70
					case 3:
						return 50
					case 4:
						return 30
					}
				}
			}
		}
	case "otx", "alienvault":
		return 70
	}
	return 50
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

func intelRelevance(sev model.AlertSeverity) model.Relevance {
	switch sev {
	case model.SeverityCritical, model.SeverityHigh:
		return model.RelevanceHigh
	case model.SeverityMedium:
		return model.RelevanceMedium
	default:
		return model.RelevanceLow
	}
}
