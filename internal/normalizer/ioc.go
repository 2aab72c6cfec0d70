package normalizer

import (
	"strings"

	"github.com/vigiasec/ingest/internal/model"
)

// ExtractIOCs pulls indicators out of the payload shapes the platform knows:
// MISP attribute arrays, OTX pulse indicators and VirusTotal file/url
// attributes. Unknown shapes yield an empty set.
func ExtractIOCs(record map[string]any) model.IOCSet {
	set := model.IOCSet{}
	extractMISP(record, &set)
	extractOTX(record, &set)
	extractVT(record, &set)
	set.IPs = dedupe(set.IPs)
	set.Domains = dedupe(set.Domains)
	set.Hashes = dedupe(set.Hashes)
	set.URLs = dedupe(set.URLs)
	return set
}

func extractMISP(record map[string]any, set *model.IOCSet) {
	for _, path := range []string{"Event.Attribute", "Attribute"} {
		v, ok := lookupPath(record, path)
		if !ok {
			continue
		}
		attrs, ok := v.([]any)
		if !ok {
			continue
		}
		for _, raw := range attrs {
			attr, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			value := asString(attr["value"])
			if value == "" {
				continue
			}
			switch strings.ToLower(asString(attr["type"])) {
			case "ip-src", "ip-dst", "ip":
				set.IPs = append(set.IPs, value)
			case "domain", "hostname":
				set.Domains = append(set.Domains, value)
			case "md5", "sha1", "sha256", "sha512":
				set.Hashes = append(set.Hashes, value)
			case "url", "uri", "link":
				set.URLs = append(set.URLs, value)
			}
		}
	}
}

func extractOTX(record map[string]any, set *model.IOCSet) {
	v, ok := record["indicators"]
	if !ok {
		return
	}
	indicators, ok := v.([]any)
	if !ok {
		return
	}
	for _, raw := range indicators {
		ind, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		value := asString(ind["indicator"])
		if value == "" {
			continue
		}
		switch strings.ToLower(asString(ind["type"])) {
		case "ipv4", "ipv6":
			set.IPs = append(set.IPs, value)
		case "domain", "hostname":
			set.Domains = append(set.Domains, value)
		case "filehash-md5", "filehash-sha1", "filehash-sha256":
			set.Hashes = append(set.Hashes, value)
		case "url", "uri":
			set.URLs = append(set.URLs, value)
		}
	}
}

func extractVT(record map[string]any, set *model.IOCSet) {
	for _, base := range []string{"attributes", "data.attributes"} {
		v, ok := lookupPath(record, base)
		if !ok {
			continue
		}
		attrs, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"sha256", "sha1", "md5"} {
			if hash := asString(attrs[key]); hash != "" {
				set.Hashes = append(set.Hashes, hash)
			}
		}
		if url := asString(attrs["url"]); url != "" {
			set.URLs = append(set.URLs, url)
		}
	}
}

func dedupe(values []string) []string {
	if len(values) < 2 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
