package reliability

import "time"

// IsRetryableHTTPStatus reports whether a story asset or realtime handshake
// failing with code is worth another attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeError classifies realtime transport error codes: server
// error events carry the upstream code, local failures use disconnected and
// write_failed. A retryable error is worth restarting the story session for.
func IsRetryableRealtimeError(code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "session_expired", "disconnected", "write_failed":
		return true
	default:
		return false
	}
}

// ExponentialBackoff doubles base per attempt up to cap.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
