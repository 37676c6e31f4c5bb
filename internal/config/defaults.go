package config

// DefaultAddr is the default listen address for the dev backend.
const DefaultAddr = "127.0.0.1:8000"

// Client defaults.
const (
	DefaultReconnectIntervalMs = 3000
	DefaultReconnectRate       = 1.0
	DefaultReconnectBurst      = 3
	DefaultHTTPTimeoutMs       = 20000
	DefaultPageSize            = 50
	DefaultPageIncrement       = 50
	DefaultMaxAttachmentBytes  = 10 * 1024 * 1024
	DefaultScrollThreshold     = 50
)

// Backend defaults.
const (
	DefaultInboundRate  = 20.0
	DefaultInboundBurst = 10
)
