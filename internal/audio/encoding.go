package audio

import (
	"mime"
	"strings"
)

// Encoding identifiers the capture layer knows how to name and extend
const (
	MimeWebMOpus = "audio/webm;codecs=opus"
	MimeWebM     = "audio/webm"
	MimeMP4      = "audio/mp4"
	MimeOgg      = "audio/ogg"
	MimeWAV      = "audio/wav"
)

// DefaultEncodingPreferences is the ordered list tried when negotiating
// a recorder encoding. The first entry is the preferred one.
var DefaultEncodingPreferences = []string{
	MimeWebMOpus,
	MimeWebM,
	MimeMP4,
	MimeOgg,
}

// NegotiateEncoding returns the first preference accepted by supported.
// When none is accepted it returns "" and ok=false, meaning the recorder
// should fall back to its own default encoding.
func NegotiateEncoding(supported func(mimeType string) bool, preferences []string) (string, bool) {
	if supported == nil {
		return "", false
	}
	for _, p := range preferences {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if supported(p) {
			return p, true
		}
	}
	return "", false
}

// BaseType strips parameters such as codecs from a mime type
func BaseType(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			return strings.ToLower(strings.TrimSpace(mimeType[:i]))
		}
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mediaType
}

// Extension returns the file extension used when naming an upload of the
// given encoding. Unknown encodings keep the historical "webm" name.
func Extension(mimeType string) string {
	switch BaseType(mimeType) {
	case "audio/webm":
		return "webm"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "mp4"
	case "audio/ogg":
		return "ogg"
	case "audio/wav", "audio/wave", "audio/x-wav":
		return "wav"
	default:
		return "webm"
	}
}

// IsWAV reports whether the mime type names a WAV container
func IsWAV(mimeType string) bool {
	return Extension(mimeType) == "wav"
}
