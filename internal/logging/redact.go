package logging

import "strings"

// sensitiveKeys are never logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "access_token": {}, "refresh_token": {}, "authorization": {},
	"password": {}, "email": {}, "cookie": {}, "audio_base64": {},
}

// maxLoggedString bounds string values kept by Redact.
const maxLoggedString = 256

// Redact returns a copy of v (decoded JSON: maps, slices, scalars) with
// sensitive keys masked and long strings truncated. v is not modified.
func Redact(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				out[k] = "<redacted>"
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, it := range vv {
			out[i] = Redact(it)
		}
		return out
	case string:
		if len(vv) > maxLoggedString {
			return vv[:maxLoggedString] + "...<truncated>"
		}
		return vv
	default:
		return v
	}
}
