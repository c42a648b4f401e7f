package agent

import (
	"context"
	"errors"
	"sync/atomic"

	"pairdesk/internal/logger"
	"pairdesk/internal/relay"
)

// runLink serves relay connections from l until the session ends or the
// link gives up. Cancelling ctx stops it without an error.
func runLink(ctx context.Context, l *link, stats *Stats, log *logger.Logger, serve func(context.Context, *relay.Conn) error) error {
	var connects atomic.Int64
	l.coord.OnSuccess(func() {
		if connects.Add(1) > 1 {
			atomic.AddInt64(&stats.Reconnects, 1)
		}
		stats.Event("🔗", "relay connected")
	})

	for first := true; ; first = false {
		if !first {
			stats.SetStatus("reconnecting")
		}

		conn, err := l.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			stats.SetStatus("relay unreachable")
			return err
		}

		err = serve(ctx, conn)
		_ = conn.Close()
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, relay.ErrSessionEnded):
			stats.SetStatus("session ended")
			return err
		}
		log.Warn().Err(err).Msg("🔌 Relay link dropped")
	}
}
