package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/globus/atlas/internal/domain/identity"
	"github.com/globus/atlas/internal/domain/shared"
	"github.com/globus/atlas/internal/infrastructure/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultMethod is used when a request names only the endpoint
const DefaultMethod = "get"

// Request is one call through the gateway
type Request struct {
	Endpoint   string
	Method     string
	Credential string
	Payload    Payload
}

// CallObserver receives the outcome of every dispatched call
type CallObserver interface {
	ObserveCall(ctx context.Context, endpoint, method string, status int, took time.Duration)
}

// Dispatcher runs requests through lookup, identity resolution, access
// control and the action, and converts every outcome into a Response.
type Dispatcher struct {
	registry *Registry
	resolver Resolver
	logger   *zap.Logger
	tracer   trace.Tracer
	timing   bool
	observer CallObserver
	seq      atomic.Uint64
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithTiming logs the duration of every call at debug level. Meant for
// non-production builds.
func WithTiming(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.timing = enabled
	}
}

// WithTracer overrides the global otel tracer
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// WithObserver reports every call outcome to o
func WithObserver(o CallObserver) DispatcherOption {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// NewDispatcher creates a dispatcher over a sealed registry
func NewDispatcher(registry *Registry, resolver Resolver, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		resolver: resolver,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/globus/atlas/rpc"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolver returns the stateless resolver used by Handle
func (d *Dispatcher) Resolver() Resolver {
	return d.resolver
}

// Handle dispatches req resolving identity per call
func (d *Dispatcher) Handle(ctx context.Context, req Request) *Response {
	return d.HandleWith(ctx, req, d.resolver)
}

// HandleWith dispatches req resolving identity through r, typically a
// ConnectionResolver owned by a realtime connection.
func (d *Dispatcher) HandleWith(ctx context.Context, req Request, r Resolver) *Response {
	if req.Method == "" {
		req.Method = DefaultMethod
	}
	method, ok := d.registry.Lookup(req.Endpoint, req.Method)
	if !ok {
		return NotFound()
	}
	if method.Tier() == TierInternal {
		d.logger.Error("Tried to reach unsecure endpoint",
			zap.String("endpoint", req.Endpoint),
			zap.String("method", req.Method),
		)
		return Unsafe()
	}

	seq := d.seq.Add(1)
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, req.Endpoint+"/"+req.Method, trace.WithAttributes(
		attribute.String("rpc.endpoint", req.Endpoint),
		attribute.String("rpc.method", req.Method),
		attribute.String("rpc.tier", method.Tier().String()),
	))
	defer span.End()

	resp := d.dispatch(ctx, req, method, r)

	span.SetAttributes(attribute.Int("rpc.status", resp.Status))
	if resp.Status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, "server error")
	}
	took := time.Since(start)
	if d.observer != nil {
		d.observer.ObserveCall(ctx, req.Endpoint, req.Method, resp.Status, took)
	}
	if d.timing {
		d.logger.Debug("RPC call",
			zap.Uint64("seq", seq),
			zap.String("call", req.Endpoint+"/"+req.Method),
			zap.Int("status", resp.Status),
			zap.Duration("took", took),
		)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request, method *Method, r Resolver) (resp *Response) {
	caller, err := r.Resolve(ctx, req.Credential)
	if err != nil {
		d.logger.Error("Identity resolution failed",
			zap.String("endpoint", req.Endpoint),
			zap.String("method", req.Method),
			zap.Error(err),
		)
		trace.SpanFromContext(ctx).RecordError(err)
		return ServerError(err)
	}

	ctx, log := logger.WithCaller(ctx, d.loggerFor(ctx), identity.Describe(caller))

	if !method.Allows(caller, req.Payload) {
		log.Warn("Access denied",
			zap.String("endpoint", req.Endpoint),
			zap.String("method", req.Method),
		)
		return Forbidden()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			log.Error("RPC action panicked",
				zap.String("endpoint", req.Endpoint),
				zap.String("method", req.Method),
				zap.Any("panic", rec),
				zap.Stack("stacktrace"),
			)
			trace.SpanFromContext(ctx).RecordError(err)
			resp = ServerError(err)
		}
	}()

	result, err := method.action(ctx, req.Payload, caller)
	var domainErr *shared.DomainError
	if errors.Is(err, ErrInvalidPayload) || errors.As(err, &domainErr) {
		log.Info("RPC payload rejected",
			zap.String("endpoint", req.Endpoint),
			zap.String("method", req.Method),
			zap.Error(err),
		)
		return BadRequest(err)
	}
	if err != nil {
		log.Error("RPC action failed",
			zap.String("endpoint", req.Endpoint),
			zap.String("method", req.Method),
			zap.Error(err),
		)
		trace.SpanFromContext(ctx).RecordError(err)
		return ServerError(err)
	}

	resp, advanced := result.(*Response)
	if !advanced || resp == nil {
		resp = &Response{Status: http.StatusOK, Data: result}
	}
	if !resp.Failed() {
		d.registry.publish(ctx, method.tags)
	}
	return resp
}

// loggerFor prefers the request-scoped logger set by the transport
func (d *Dispatcher) loggerFor(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(logger.LoggerKey).(*zap.Logger); ok {
		return l
	}
	return d.logger
}
