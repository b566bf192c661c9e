package logger

import "log/slog"

// maxAttrLen caps logged string attribute values. Published payloads go
// through log lines on enhanced logging and fan-out failures; anything
// larger is cut with an ellipsis marker rather than dropped.
const maxAttrLen = 512

func truncateOversized(a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	s := a.Value.String()
	if len(s) <= maxAttrLen {
		return a
	}
	return slog.String(a.Key, s[:maxAttrLen]+"...(truncated)")
}
