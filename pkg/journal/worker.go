// Package journal applies networking actions to switches. The worker
// drains the journal oldest-first, one action at a time, and commits each
// action's result before reading the next, so a crash at any point leaves
// only PENDING actions that are safe to reapply.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/newtron-network/metalnet/pkg/audit"
	"github.com/newtron-network/metalnet/pkg/driver"
	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/observability"
	"github.com/newtron-network/metalnet/pkg/settings"
	"github.com/newtron-network/metalnet/pkg/store"
	"github.com/newtron-network/metalnet/pkg/util"
)

const tracerName = "github.com/newtron-network/metalnet/pkg/journal"

// Config controls the worker loop
type Config struct {
	// Interval is the sleep between drain passes.
	Interval time.Duration
	// DoneRetention is how long a DONE action stays queryable.
	DoneRetention time.Duration
	// IOTimeout bounds each switch call.
	IOTimeout time.Duration
}

// Validate checks the bounds of the configuration
func (c Config) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(c.Interval > 0 && c.Interval < settings.MaxWorkerInterval,
		fmt.Sprintf("interval must be between 0 and %s (exclusive), got %s", settings.MaxWorkerInterval, c.Interval))
	v.Add(c.DoneRetention > 0, "done retention must be positive")
	v.Add(c.IOTimeout > 0, "I/O timeout must be positive")
	return v.Build()
}

// Worker drains the networking-action journal
type Worker struct {
	store   *store.Store
	resolve driver.Resolver
	cfg     Config
	metrics *observability.WorkerCollector
	tracer  trace.Tracer
}

// Option customizes a Worker
type Option func(*Worker)

// WithMetrics records worker metrics in c
func WithMetrics(c *observability.WorkerCollector) Option {
	return func(w *Worker) { w.metrics = c }
}

// WithTracer overrides the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// NewWorker builds a worker. resolve turns switch records into drivers.
func NewWorker(s *store.Store, resolve driver.Resolver, cfg Config, opts ...Option) (*Worker, error) {
	if s == nil {
		return nil, errors.New("journal: store is required")
	}
	if resolve == nil {
		return nil, errors.New("journal: switch resolver is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Worker{store: s, resolve: resolve, cfg: cfg}
	for _, opt := range opts {
		opt(w)
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}
	return w, nil
}

// Run drains the journal, then sleeps for the configured interval, until
// ctx is cancelled. Store failures are logged and retried on the next
// pass.
func (w *Worker) Run(ctx context.Context) error {
	util.WithField("interval", w.cfg.Interval).Info("Networking worker started")
	for {
		n, err := w.DrainOnce(ctx)
		if ctx.Err() != nil {
			util.Logger.Info("Networking worker stopped")
			return nil
		}
		if err != nil {
			util.Logger.WithError(err).Error("Journal drain failed")
		} else if n > 0 {
			util.WithField("actions", n).Debug("Journal drained")
		}

		select {
		case <-ctx.Done():
			util.Logger.Info("Networking worker stopped")
			return nil
		case <-time.After(w.cfg.Interval):
		}
	}
}

// DrainOnce applies PENDING actions until the journal is empty and returns
// how many it finished. Sessions opened during the pass are disconnected
// before it returns. An empty journal is a no-op returning 0.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	sessions := newSessionCache(w.resolve, w.cfg.IOTimeout, w.metrics)
	defer sessions.closeAll()

	done := 0
	defer func() {
		if pending, err := w.store.PendingCount(context.WithoutCancel(ctx)); err == nil {
			w.metrics.ObserveDrain(pending)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		a, err := w.store.OldestPending(ctx)
		if err != nil {
			return done, err
		}
		if a == nil {
			return done, nil
		}
		if err := w.process(ctx, sessions, a); err != nil {
			return done, err
		}
		done++
	}
}

// process applies one action and commits its outcome. The returned error
// is a store failure or cancellation; the action is then left PENDING.
func (w *Worker) process(ctx context.Context, sessions *sessionCache, a *model.Action) error {
	start := time.Now()
	ctx, span := w.tracer.Start(ctx, "journal.apply", trace.WithAttributes(
		attribute.String("action.id", a.ID),
		attribute.String("action.type", string(a.Type)),
		attribute.String("action.nic", a.NicRef().String()),
		attribute.String("action.channel", a.Channel),
	))
	defer span.End()

	log := util.WithAction(a.ID, a.Node, a.Nic)

	res, err := w.apply(ctx, sessions, a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	outcome, cause := res.outcome, res.cause
	if err := w.store.FinishAction(ctx, a, outcome, cause, w.cfg.DoneRetention); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	status := ""
	switch outcome {
	case store.OutcomeDone:
		status = string(model.StatusDone)
		log.Debugf("Applied %s", a)
	case store.OutcomeError:
		status = string(model.StatusError)
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		log.WithError(cause).Warnf("Failed to apply %s", a)
	case store.OutcomeDrop:
		status = "DROPPED"
		span.SetStatus(codes.Error, cause.Error())
		log.WithError(cause).Errorf("Dropped %s", a)
	}
	span.SetAttributes(attribute.String("action.status", status))
	w.metrics.ObserveAction(string(a.Type), status, time.Since(start))
	ev := audit.Outcome(a, status, cause)
	if res.port != nil {
		ev.ForPort(*res.port)
	}
	audit.Log(ev)
	return nil
}

// applied is how an action settled. cause is set for ERROR and dropped
// actions; port is the switch port the action resolved to, if any.
type applied struct {
	outcome store.Outcome
	cause   error
	port    *model.PortRef
}

// apply resolves the action's port and switch and calls the session. A
// non-nil error means the outcome could not be decided.
func (w *Worker) apply(ctx context.Context, sessions *sessionCache, a *model.Action) (applied, error) {
	if !a.Type.Valid() {
		return applied{outcome: store.OutcomeDrop, cause: fmt.Errorf("unknown action type %q", a.Type)}, nil
	}

	nic, err := w.store.Nic(ctx, a.NicRef())
	if util.IsNotFound(err) {
		return applied{outcome: store.OutcomeDrop, cause: err}, nil
	}
	if err != nil {
		return applied{}, err
	}
	if nic.Port == nil {
		return applied{outcome: store.OutcomeDrop, cause: fmt.Errorf("nic %s has no port", nic.Ref())}, nil
	}
	port := nic.Port
	rec, err := w.store.Switch(ctx, nic.Port.Switch)
	if util.IsNotFound(err) {
		return applied{outcome: store.OutcomeDrop, cause: err, port: port}, nil
	}
	if err != nil {
		return applied{}, err
	}

	networkID := ""
	if a.Type == model.ActionModifyPort && a.NewNetwork != "" {
		n, err := w.store.Network(ctx, a.NewNetwork)
		if util.IsNotFound(err) {
			return applied{outcome: store.OutcomeError, cause: err, port: port}, nil
		}
		if err != nil {
			return applied{}, err
		}
		networkID = n.NetworkID
	}

	sess, err := sessions.get(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return applied{}, ctx.Err()
		}
		return applied{outcome: store.OutcomeError, cause: err, port: port}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.IOTimeout)
	defer cancel()
	switch a.Type {
	case model.ActionModifyPort:
		err = sess.ModifyPort(callCtx, nic.Port.Port, a.Channel, networkID)
	case model.ActionRevertPort:
		err = sess.RevertPort(callCtx, nic.Port.Port)
	}
	if err != nil {
		// The session may be mid-command; start afresh for the next action.
		sessions.evict(rec.Label)
		if ctx.Err() != nil {
			return applied{}, ctx.Err()
		}
		return applied{outcome: store.OutcomeError, cause: err, port: port}, nil
	}
	return applied{outcome: store.OutcomeDone, port: port}, nil
}
