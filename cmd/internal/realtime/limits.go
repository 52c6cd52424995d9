package realtime

import "time"

const (
	// Max bytes per inbound frame.
	maxFrameBytes = 1 << 20 // 1 MiB

	// Reconnect defaults: delay for attempt k is defaultBaseDelay * 2^(k-1).
	defaultBaseDelay   = 3 * time.Second
	defaultMaxAttempts = 5
	maxAttemptsLimit   = 30

	// Heartbeat defaults. maxPingFailures consecutive failures drop the connection.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Outbound rate limit (messages per window).
	sendRateEvents = 120
	sendRateWindow = 10 * time.Second

	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)
