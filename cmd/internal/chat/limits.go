package chat

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Outbound queue length per connection before fan-out drops.
	defaultSendQueueSize = 64
)

// Heartbeat defaults; overridable through app config.
const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultPingTimeout       = 5 * time.Second
	defaultMissedAllowance   = 2
	defaultWriteTimeout      = 5 * time.Second
)
