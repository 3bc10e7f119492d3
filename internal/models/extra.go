package models

const (
	extraGoogle           = "google"
	extraThoughtSignature = "thought_signature"
)

// ThoughtSignature returns extra_content.google.thought_signature if present.
func ThoughtSignature(extra map[string]any) (string, bool) {
	google, ok := extra[extraGoogle].(map[string]any)
	if !ok {
		return "", false
	}
	sig, ok := google[extraThoughtSignature].(string)
	if !ok || sig == "" {
		return "", false
	}
	return sig, true
}

// WithThoughtSignature returns a copy of extra with the Google thought signature set.
func WithThoughtSignature(extra map[string]any, signature string) map[string]any {
	out := cloneMap(extra)
	if out == nil {
		out = make(map[string]any, 1)
	}
	google, _ := out[extraGoogle].(map[string]any)
	if google == nil {
		google = make(map[string]any, 1)
	}
	google[extraThoughtSignature] = signature
	out[extraGoogle] = google
	return out
}
