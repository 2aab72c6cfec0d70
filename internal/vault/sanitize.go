package vault

import "fmt"

// SanitizeForLogging masks a credential set for log output. Values of four
// characters or fewer become "****"; longer values keep their first four
// characters; the custom-field map collapses to "[OBJECT]".
func SanitizeForLogging(creds *Credentials) map[string]string {
	out := make(map[string]string)
	if creds == nil {
		return out
	}

	fields := map[string]string{
		"apiKey":       creds.APIKey,
		"apiSecret":    creds.APISecret,
		"username":     creds.Username,
		"password":     creds.Password,
		"token":        creds.Token,
		"accessToken":  creds.AccessToken,
		"refreshToken": creds.RefreshToken,
		"privateKey":   creds.PrivateKey,
		"certificate":  creds.Certificate,
	}
	for name, value := range fields {
		if value != "" {
			out[name] = maskValue(value)
		}
	}
	if len(creds.CustomFields) > 0 {
		out["customFields"] = "[OBJECT]"
	}
	return out
}

// SanitizeMap masks an arbitrary payload the same way; nested maps and
// slices collapse to "[OBJECT]".
func SanitizeMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = maskValue(val)
		case map[string]any, []any:
			out[k] = "[OBJECT]"
		default:
			out[k] = maskValue(fmt.Sprintf("%v", val))
		}
	}
	return out
}

func maskValue(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
