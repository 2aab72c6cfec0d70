package normalizer

import (
	"fmt"
	"strings"
)

// fieldRule extracts one alert field from a vendor payload. Candidate paths
// are tried in order; the first present value wins. A required rule with no
// hit skips the whole record.
type fieldRule struct {
	field     string
	paths     []string
	required  bool
	transform func(any) any
}

type ruleSet struct {
	vendor string
	fields []fieldRule
}

const (
	fieldTitle         = "title"
	fieldDescription   = "description"
	fieldSeverity      = "severity"
	fieldSourceIP      = "sourceIp"
	fieldDestinationIP = "destinationIp"
)

// requiredFieldError marks a record that is missing a required rule field.
type requiredFieldError struct {
	vendor string
	field  string
}

func (e *requiredFieldError) Error() string {
	return fmt.Sprintf("vendor %s: required field %s missing", e.vendor, e.field)
}

// truncate keeps titles derived from free-form messages bounded.
func truncate(limit int) func(any) any {
	return func(v any) any {
		s, ok := v.(string)
		if !ok {
			return v
		}
		s = strings.TrimSpace(s)
		if len(s) > limit {
			return s[:limit]
		}
		return s
	}
}

// scaleDown maps vendor scores on a 0..100 scale onto the canonical 0..10
// numeric severity range.
func scaleDown(v any) any {
	f, ok := toFloat(v)
	if !ok {
		return v
	}
	return f / 10
}

var defaultRules = ruleSet{
	vendor: "default",
	fields: []fieldRule{
		{field: fieldTitle, paths: []string{"title", "name", "alert_name", "event_type", "message", "msg"}, transform: truncate(140)},
		{field: fieldDescription, paths: []string{"description", "details", "message"}},
		{field: fieldSeverity, paths: []string{"severity", "level", "priority", "rule.level"}},
		{field: fieldSourceIP, paths: []string{"source_ip", "sourceIp", "src_ip", "srcip", "source.ip"}},
		{field: fieldDestinationIP, paths: []string{"destination_ip", "destinationIp", "dst_ip", "dstip", "destination.ip"}},
	},
}

// ruleSets keys are lowercase vendor names. Unknown vendors fall back to
// defaultRules.
var ruleSets = map[string]ruleSet{
	"crowdstrike": {
		vendor: "crowdstrike",
		fields: []fieldRule{
			{field: fieldTitle, paths: []string{"detection_name", "name"}},
			{field: fieldDescription, paths: []string{"description", "tactic"}},
			{field: fieldSeverity, paths: []string{"max_severity"}, transform: scaleDown},
			{field: fieldSourceIP, paths: []string{"device.local_ip", "local_ip"}},
			{field: fieldDestinationIP, paths: []string{"network.remote_ip", "remote_ip"}},
		},
	},
	"wazuh": {
		vendor: "wazuh",
		fields: []fieldRule{
			{field: fieldTitle, paths: []string{"rule.description"}},
			{field: fieldDescription, paths: []string{"full_log", "rule.description"}},
			{field: fieldSeverity, paths: []string{"rule.level"}},
			{field: fieldSourceIP, paths: []string{"data.srcip", "agent.ip"}},
			{field: fieldDestinationIP, paths: []string{"data.dstip"}},
		},
	},
	"defender": {
		vendor: "defender",
		fields: []fieldRule{
			{field: fieldTitle, paths: []string{"alertDisplayName", "title"}},
			{field: fieldDescription, paths: []string{"description"}},
			{field: fieldSeverity, paths: []string{"severity"}},
			{field: fieldSourceIP, paths: []string{"sourceIp", "networkSourceIp"}},
			{field: fieldDestinationIP, paths: []string{"destinationIp"}},
		},
	},
	"paloalto": {
		vendor: "paloalto",
		fields: []fieldRule{
			{field: fieldTitle, paths: []string{"threat_name", "name"}},
			{field: fieldDescription, paths: []string{"description", "category"}},
			{field: fieldSeverity, paths: []string{"severity"}},
			{field: fieldSourceIP, paths: []string{"src_ip", "src"}},
			{field: fieldDestinationIP, paths: []string{"dst_ip", "dst"}},
		},
	},
	"fortinet": {
		vendor: "fortinet",
		fields: []fieldRule{
			{field: fieldTitle, paths: []string{"attack", "msg"}, transform: truncate(140)},
			{field: fieldDescription, paths: []string{"msg"}},
			{field: fieldSeverity, paths: []string{"crlevel", "severity"}},
			{field: fieldSourceIP, paths: []string{"srcip"}},
			{field: fieldDestinationIP, paths: []string{"dstip"}},
		},
	},
	"virustotal": {
		vendor: "virustotal",
		fields: []fieldRule{
			{field: fieldTitle, paths: []string{"attributes.meaningful_name", "data.attributes.meaningful_name", "attributes.name"}},
			{field: fieldDescription, paths: []string{"attributes.type_description"}},
		},
	},
	"misp": {
		vendor: "misp",
		fields: []fieldRule{
			{field: fieldTitle, paths: []string{"Event.info", "info"}, required: true},
			{field: fieldDescription, paths: []string{"Event.info", "info"}},
		},
	},
	"otx": {
		vendor: "otx",
		fields: []fieldRule{
			{field: fieldTitle, paths: []string{"name"}},
			{field: fieldDescription, paths: []string{"description"}},
		},
	},
}

func rulesFor(vendor string) ruleSet {
	if rs, ok := ruleSets[strings.ToLower(strings.TrimSpace(vendor))]; ok {
		return rs
	}
	return defaultRules
}

// draft collects the rule-extracted fields before defaults are applied.
type draft struct {
	title         string
	description   string
	sourceIP      string
	destinationIP string
	severityRaw   any
	titleFromRule bool
}

func (rs ruleSet) apply(record map[string]any) (*draft, error) {
	d := &draft{}
	for _, rule := range rs.fields {
		var (
			value any
			found bool
		)
		for _, path := range rule.paths {
			if v, ok := lookupPath(record, path); ok {
				value = v
				found = true
				break
			}
		}
		if !found {
			if rule.required {
				return nil, &requiredFieldError{vendor: rs.vendor, field: rule.field}
			}
			continue
		}
		if rule.transform != nil {
			value = rule.transform(value)
		}
		switch rule.field {
		case fieldTitle:
			if s := asString(value); s != "" {
				d.title = s
				d.titleFromRule = true
			} else if rule.required {
				return nil, &requiredFieldError{vendor: rs.vendor, field: rule.field}
			}
		case fieldDescription:
			d.description = asString(value)
		case fieldSeverity:
			d.severityRaw = value
		case fieldSourceIP:
			d.sourceIP = asString(value)
		case fieldDestinationIP:
			d.destinationIP = asString(value)
		}
	}
	return d, nil
}

// lookupPath walks dotted paths through nested JSON objects.
func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = m
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case fmt.Stringer:
		return s.String()
	case float64, float32, int, int64, bool:
		return fmt.Sprintf("%v", s)
	}
	return ""
}
