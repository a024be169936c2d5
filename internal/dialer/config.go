package dialer

import (
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds each outbound dial. Zero means no timeout.
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig
}
