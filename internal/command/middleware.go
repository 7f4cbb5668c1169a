package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"fleetbot/internal/metrics"
	"fleetbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// MWTimeout bounds the handler. A non-positive d leaves ctx alone.
func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// errPanic marks an error produced by a recovered handler panic.
var errPanic = errors.New("handler panicked")

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("%w: %v", errPanic, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

const slowRequest = 750 * time.Millisecond

// MWRequestLog logs every request: fast successes at debug, slow ones at info,
// failures at warn.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("tenant", req.Msg.TenantID),
				logx.String("channel", req.Msg.ChannelID),
				logx.String("from", req.Msg.AuthorID),
				logx.String("cmd", req.Command),
				logx.String("tier", req.Verdict.Tier.String()),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil && isCallerError(err):
				logger.Debug("request rejected", append(fields, logx.Err(err))...)
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= slowRequest:
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

func MWMetrics(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			outcome := "ok"
			switch {
			case err != nil && isCallerError(err):
				outcome = "rejected"
			case err != nil:
				outcome = "error"
			}
			m.CommandDone(req.Command, outcome, time.Since(start))
			return err
		}
	}
}
