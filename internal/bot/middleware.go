package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	logx "foremanbot/pkg/logx"
)

// slowCommand is the duration above which a successful command is logged at
// info instead of debug.
const slowCommand = 750 * time.Millisecond

// HandlerFunc handles one command request.
type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// withTrace runs the command inside a span tagged with its keyword and context.
func withTrace() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			ctx, span := tracer.Start(ctx, "command "+string(req.Command))
			defer span.End()
			span.SetAttributes(
				attribute.String("bot.command", string(req.Command)),
				attribute.String("bot.context", string(req.Message.Context)),
				attribute.String("bot.request_id", req.ReqID),
			)
			err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// withRecover turns a handler panic into an error. The chat gets no reply.
func withRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("command panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("command %s panicked: %v", req.Command, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// withAccessLog logs each command once: failures at warn, slow ones at info.
func withAccessLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := logx.Duration("took", time.Since(start))
			switch {
			case err != nil:
				req.Logger.Warn("command failed", took, logx.Err(err))
			case time.Since(start) >= slowCommand:
				req.Logger.Info("command handled", took)
			default:
				req.Logger.Debug("command handled", took)
			}
			return err
		}
	}
}

// withDeadline bounds the handler by d. Zero leaves ctx unbounded.
func withDeadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}
