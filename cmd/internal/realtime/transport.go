package realtime

import (
	"context"
	"fmt"
)

// Conn is one open stream connection. Read is called from a single goroutine;
// Write, Ping and Close may be called concurrently with it.
type Conn interface {
	// Read blocks for the next text or binary frame. A close frame is
	// reported as *CloseError.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

// Dialer opens stream connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// NewDialer returns the Dialer for cfg.Transport.
func NewDialer(cfg Config) (Dialer, error) {
	switch cfg.Transport {
	case TransportCoder, "":
		return &CoderDialer{ReadLimit: cfg.ReadLimit}, nil
	case TransportGorilla:
		return &GorillaDialer{ReadLimit: cfg.ReadLimit}, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrConfig, cfg.Transport)
	}
}
