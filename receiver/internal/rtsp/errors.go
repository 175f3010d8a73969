package rtsp

import "strings"

// Category classifies a stream error to decide whether reconnecting is
// worth attempting.
type Category int

const (
	// CategoryNetwork covers connection, timeout and DNS failures.
	// Reconnecting may help.
	CategoryNetwork Category = iota
	// CategoryCodec covers decode and caps-negotiation failures. The stream
	// itself is wrong; reconnecting will not help.
	CategoryCodec
	// CategoryAuth covers credential failures. Reconnecting will not help.
	CategoryAuth
	// CategoryUnknown is everything else. Treated as retryable.
	CategoryUnknown
)

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryCodec:
		return "codec"
	case CategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Retryable reports whether a reconnect attempt could plausibly recover
// from this class of failure.
func (c Category) Retryable() bool {
	return c == CategoryNetwork || c == CategoryUnknown
}

var (
	authKeywords = []string{
		"unauthorized", "401", "403", "forbidden",
		"authentication", "credentials", "password",
	}
	codecKeywords = []string{
		"codec", "decode", "negotiation", "caps",
		"not negotiated", "no decoder", "missing plugin",
	}
	networkKeywords = []string{
		"connection", "timeout", "unreachable", "network",
		"dns", "resolve", "socket", "could not connect", "failed to connect",
	}
)

// Classify buckets a GStreamer bus error by message text. go-gst's GError
// does not expose the error domain, so string heuristics are what we have.
// Auth is checked first as the most specific, then codec, then network.
func Classify(errMsg, debugInfo string) Category {
	combined := strings.ToLower(errMsg + " " + debugInfo)

	for _, kw := range authKeywords {
		if strings.Contains(combined, kw) {
			return CategoryAuth
		}
	}
	for _, kw := range codecKeywords {
		if strings.Contains(combined, kw) {
			return CategoryCodec
		}
	}
	for _, kw := range networkKeywords {
		if strings.Contains(combined, kw) {
			return CategoryNetwork
		}
	}
	return CategoryUnknown
}
