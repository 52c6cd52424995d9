package app

import (
	"log/slog"
	"strconv"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

func paint(s, code string, color bool) string {
	if !color || s == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeStatusCode(status int, color bool) string {
	s := strconv.Itoa(status)
	switch {
	case status >= 500:
		return paint(s, ansiRed, color)
	case status >= 400:
		return paint(s, ansiYellow, color)
	case status >= 300:
		return paint(s, ansiCyan, color)
	default:
		return paint(s, ansiGreen, color)
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, ansiRed, color)
	case ms >= 250:
		return paint(s, ansiYellow, color)
	default:
		return paint(s, ansiDim, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "ok", "success", "retried":
		return paint(result, ansiGreen, color)
	case "client_error", "retry_exhausted":
		return paint(result, ansiYellow, color)
	case "failed", "server_error", "transport_error":
		return paint(result, ansiRed, color)
	default:
		return result
	}
}

// colorizeChannelState colors the names produced by realtime.State.String.
func colorizeChannelState(state string, color bool) string {
	switch state {
	case "connected":
		return paint(state, ansiGreen, color)
	case "connecting", "reconnecting":
		return paint(state, ansiYellow, color)
	case "failed":
		return paint(state, ansiRed, color)
	default:
		return paint(state, ansiDim, color)
	}
}

// colorizeCloseCode dims codes that end a channel on purpose (1000, 4001)
// and highlights the ones that trigger a reconnect.
func colorizeCloseCode(code int, color bool) string {
	s := strconv.Itoa(code)
	switch code {
	case 1000, 4001:
		return paint(s, ansiDim, color)
	default:
		return paint(s, ansiYellow, color)
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
