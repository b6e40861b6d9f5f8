package connectivity

import (
	"context"
	"net"
	"time"
)

// ProbeFunc checks the underlying link. A nil error means the link is up.
type ProbeFunc func(ctx context.Context) error

// DialProbe returns a probe that opens (and immediately closes) a TCP
// connection to addr. It tests the link, not the backend's health.
func DialProbe(addr string, timeout time.Duration) ProbeFunc {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// WatchLink runs probe every interval and feeds the result to m as a link
// signal until ctx is cancelled. The first probe runs immediately.
// Errors from the reconnect hook are logged, not returned.
func WatchLink(ctx context.Context, m *Monitor, probe ProbeFunc, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		err := probe(probeCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if serr := m.SetLink(ctx, err == nil); serr != nil {
			m.logger.Warn("sync after reconnect failed", "error", serr)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
