// Package router resolves a Target against the session registry and writes
// payloads to the resulting recipients.
//
// Resolution and delivery are separate steps. Resolve only reads the
// registry; Dispatch only writes to sockets. A failed write to one recipient
// never stops delivery to the others.
package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/wsroute/internal/session"
)

// DefaultConcurrency bounds the number of simultaneous writes in Dispatch.
const DefaultConcurrency = 64

// Source is the read side of the session registry.
type Source interface {
	Snapshot() []*session.Session
	LookupByEndpoint(addr string) (*session.Session, bool)
	LookupByGroup(groupID string) []*session.Session
}

// Failure records a recipient whose write failed.
type Failure struct {
	Key    string `json:"key"`
	Reason string `json:"error"`
	Err    error  `json:"-"`

	session *session.Session
}

// Report summarizes one delivery.
type Report struct {
	Target    string        `json:"target"`
	Resolved  int           `json:"resolved"`
	Delivered int           `json:"delivered"`
	Skipped   int           `json:"skipped"`
	Failed    []Failure     `json:"failed"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// FailedKeys returns the keys of the failed recipients.
func (r Report) FailedKeys() []string {
	out := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		out = append(out, f.Key)
	}
	return out
}

// Router resolves targets and delivers payloads.
type Router struct {
	source      Source
	logger      *zap.Logger
	concurrency int
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithConcurrency bounds concurrent writes per Dispatch. Values below one
// fall back to DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New creates a Router reading from source.
func New(source Source, opts ...Option) *Router {
	r := &Router{
		source:      source,
		logger:      zap.NewNop(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the open sessions matching t. No match yields an empty
// slice.
func (r *Router) Resolve(t Target) []*session.Session {
	var candidates []*session.Session

	switch t.Kind {
	case TargetEndpoint:
		if s, ok := r.source.LookupByEndpoint(t.Value); ok {
			candidates = []*session.Session{s}
		}
	case TargetGroup:
		candidates = r.source.LookupByGroup(t.Value)
	case TargetBroadcast:
		candidates = r.source.Snapshot()
	}

	recipients := make([]*session.Session, 0, len(candidates))
	for _, s := range candidates {
		if s.IsOpen() {
			recipients = append(recipients, s)
		}
	}
	return recipients
}

// Dispatch writes payload to every recipient that is still open at its
// turn. Writes to distinct recipients run concurrently; writes to the same
// recipient are serialized by the session. A recipient whose write fails is
// recorded in the report and its socket is closed so that its own lifecycle
// deregisters it.
func (r *Router) Dispatch(ctx context.Context, recipients []*session.Session, payload []byte) Report {
	start := time.Now()
	report := Report{Resolved: len(recipients)}

	var (
		mu        sync.Mutex
		delivered int
		skipped   int
		failed    = []Failure{}
	)

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for _, s := range recipients {
		s := s
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				err = s.Send(payload)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				delivered++
			case errors.Is(err, session.ErrNotOpen):
				skipped++
			default:
				failed = append(failed, Failure{Key: s.Key, Reason: err.Error(), Err: err, session: s})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(failed, func(i, j int) bool { return failed[i].Key < failed[j].Key })

	for _, f := range failed {
		r.logger.Warn("delivery failed",
			zap.String("key", f.Key),
			zap.Error(f.Err),
		)
		if !errors.Is(f.Err, context.Canceled) && !errors.Is(f.Err, context.DeadlineExceeded) {
			if err := f.session.Close(websocket.CloseInternalServerErr, "write failed"); err != nil {
				r.logger.Debug("close after failed write", zap.String("key", f.Key), zap.Error(err))
			}
		}
	}

	report.Delivered = delivered
	report.Skipped = skipped
	report.Failed = failed
	report.Elapsed = time.Since(start)
	return report
}

// Send resolves t and dispatches payload to the result.
func (r *Router) Send(ctx context.Context, t Target, payload []byte) Report {
	recipients := r.Resolve(t)
	report := r.Dispatch(ctx, recipients, payload)
	report.Target = t.String()

	r.logger.Info("message dispatched",
		zap.String("target", report.Target),
		zap.Int("resolved", report.Resolved),
		zap.Int("delivered", report.Delivered),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report
}
