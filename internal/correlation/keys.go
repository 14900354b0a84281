package correlation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Key represents a normalized correlation key.
type Key struct {
	Type  string
	Value string
}

var (
	traceparentPattern = regexp.MustCompile(`(?i)^\s*([0-9a-f]{2})-([0-9a-f]{32})-([0-9a-f]{16})-([0-9a-f]{2})\s*$`)
	b3SinglePattern    = regexp.MustCompile(`(?i)^\s*([0-9a-f]{16,32})-[0-9a-f]{16}(?:-[01d](?:-[0-9a-f]{16})?)?\s*$`)
	safeValuePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9._:/\-]{0,127}$`)
)

// keyPriority orders key types when choosing a single request id.
var keyPriority = []string{"request_id", "correlation_id", "trace_id"}

// FromHeader extracts normalized correlation keys from a request header pair.
func FromHeader(name, value string) []Key {
	headerName := strings.ToLower(strings.TrimSpace(name))
	headerValue := normalizeValue(value)
	if headerName == "" || headerValue == "" {
		return nil
	}

	switch headerName {
	case "x-request-id", "request-id":
		if safeValuePattern.MatchString(headerValue) {
			return []Key{{Type: "request_id", Value: headerValue}}
		}
	case "x-correlation-id", "correlation-id":
		if safeValuePattern.MatchString(headerValue) {
			return []Key{{Type: "correlation_id", Value: headerValue}}
		}
	case "traceparent":
		if traceID := traceIDFromTraceparent(headerValue); traceID != "" {
			return []Key{{Type: "trace_id", Value: traceID}}
		}
	case "b3":
		if traceID := traceIDFromB3Single(headerValue); traceID != "" {
			return []Key{{Type: "trace_id", Value: traceID}}
		}
	}
	return nil
}

// FromHeaders collects keys from every recognised header.
func FromHeaders(h http.Header) []Key {
	keys := make([]Key, 0, 2)
	for name, values := range h {
		for _, v := range values {
			keys = append(keys, FromHeader(name, v)...)
		}
	}
	return dedupe(keys)
}

// RequestID picks the most specific caller-supplied key, or mints a new one.
func RequestID(h http.Header) string {
	keys := FromHeaders(h)
	for _, want := range keyPriority {
		for _, k := range keys {
			if k.Type == want {
				return k.Value
			}
		}
	}
	return uuid.NewString()
}

func traceIDFromTraceparent(value string) string {
	matches := traceparentPattern.FindStringSubmatch(value)
	if len(matches) != 5 {
		return ""
	}
	return normalizeValue(matches[2])
}

func traceIDFromB3Single(value string) string {
	matches := b3SinglePattern.FindStringSubmatch(value)
	if len(matches) != 2 {
		return ""
	}
	return normalizeValue(matches[1])
}

func normalizeValue(value string) string {
	normalized := strings.TrimSpace(strings.ToLower(value))
	normalized = strings.Trim(normalized, "\"'`")
	return normalized
}

func dedupe(keys []Key) []Key {
	if len(keys) <= 1 {
		return keys
	}

	seen := make(map[string]struct{}, len(keys))
	uniq := make([]Key, 0, len(keys))
	for _, key := range keys {
		if key.Type == "" || key.Value == "" {
			continue
		}
		token := key.Type + ":" + key.Value
		if _, exists := seen[token]; exists {
			continue
		}
		seen[token] = struct{}{}
		uniq = append(uniq, key)
	}
	return uniq
}
