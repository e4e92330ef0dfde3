// Package worker serializes all index access through one goroutine.
//
// Callers submit requests into a FIFO queue and wait on a per-request reply
// channel. The worker owns the primary store and the in-memory fallback;
// when the primary fails it switches to the fallback and keeps serving the
// same operations, reporting which store served each response.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/embeddings"
	"github.com/fyrsmithlabs/recall/internal/selector"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
)

var (
	// ErrRequestTimeout is returned when a request is not answered within
	// the request timeout or the caller's deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrStopped is returned for requests submitted after Stop, or left in
	// the queue when the drain deadline passed.
	ErrStopped = errors.New("worker stopped")

	// ErrUnknownKind is returned for a request kind the worker cannot serve.
	ErrUnknownKind = errors.New("unknown request kind")

	// ErrInvalidConfig indicates invalid worker configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// State is the worker lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReadyPrimary  State = "ready_primary"
	StateReadyFallback State = "ready_fallback"
	StateStopped       State = "stopped"
)

// ServedBy values reported in responses.
const (
	ServedByPrimary  = "primary"
	ServedByFallback = "fallback"
	ServedByWorker   = "worker"
)

// Kind selects the operation of a request.
type Kind string

const (
	KindIngest Kind = "ingest"
	KindQuery  Kind = "query"
	KindDelete Kind = "delete"
	KindStats  Kind = "stats"
	KindHealth Kind = "health"

	KindReinitialize Kind = "reinitialize"
)

func (k Kind) readOnly() bool {
	return k == KindQuery || k == KindStats || k == KindHealth
}

// Request is the envelope placed on the queue. IDs are never reused.
type Request struct {
	ID        uuid.UUID
	Kind      Kind
	Payload   any
	Timestamp time.Time

	ctx   context.Context
	reply chan Response
}

// Response is the envelope returned to the caller.
type Response struct {
	RequestID uuid.UUID
	Success   bool
	Data      any
	Err       error
	ServedBy  string
}

// Opener opens a store. The primary opener may be slow or fail; the
// fallback opener is expected to be cheap and reliable.
type Opener func(ctx context.Context) (vectorstore.Store, error)

// Embedder is the part of embeddings.Service the worker uses.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error)
	HealthCheck(ctx context.Context) error
	Stats() embeddings.Stats
	Close() error
}

// Config configures queueing, timeouts and the fallback policy.
type Config struct {
	// QueueSize bounds the FIFO queue. Default: 64
	QueueSize int

	// RequestTimeout caps how long Submit waits. Default: 30s
	RequestTimeout time.Duration

	// StartupTimeout bounds opening the primary. Default: 10s
	StartupTimeout time.Duration

	// DrainTimeout bounds how long Stop keeps serving queued requests.
	// Default: 5s
	DrainTimeout time.Duration

	// PrimaryRetries is how many times a failed primary operation is
	// retried before switching to the fallback.
	PrimaryRetries int

	// BatchSize is passed to EmbedBatch for ingest. Zero uses the
	// embedding service default.
	BatchSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.PrimaryRetries < 0 {
		return fmt.Errorf("%w: primary retries cannot be negative", ErrInvalidConfig)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("%w: batch size cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Worker owns the stores and runs every operation on one goroutine.
type Worker struct {
	config       Config
	logger       *zap.Logger
	embedder     Embedder
	selector     *selector.Selector
	openPrimary  Opener
	openFallback Opener

	queue  chan *Request
	stopCh chan struct{}
	done   chan struct{}

	startOnce    sync.Once
	startErr     error
	neverStarted bool
	stopOnce     sync.Once
	stopping     atomic.Bool
	closeErr     error

	mu    sync.RWMutex
	state State

	failures atomic.Int64
	reinit   atomic.Bool

	// Owned by the worker goroutine once started.
	primary  vectorstore.Store
	fallback vectorstore.Store
	// Documents written to or deleted from the fallback since the switch.
	fallbackWrites  map[string]struct{}
	fallbackDeletes map[string]struct{}
}

// New creates a worker. Nothing is opened until Start or the first Submit.
func New(config Config, embedder Embedder, sel *selector.Selector, primary, fallback Opener, logger *zap.Logger) (*Worker, error) {
	if embedder == nil || sel == nil {
		return nil, fmt.Errorf("%w: embedder and selector required", ErrInvalidConfig)
	}
	if primary == nil || fallback == nil {
		return nil, fmt.Errorf("%w: primary and fallback openers required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	w := &Worker{
		config:          config,
		logger:          logger.Named("worker"),
		embedder:        embedder,
		selector:        sel,
		openPrimary:     primary,
		openFallback:    fallback,
		queue:           make(chan *Request, config.QueueSize),
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
		state:           StateUninitialized,
		fallbackWrites:  map[string]struct{}{},
		fallbackDeletes: map[string]struct{}{},
	}
	setStateGauge(StateUninitialized)
	return w, nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		setStateGauge(s)
		w.logger.Info("worker state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Start opens the primary store and launches the worker goroutine. It is
// idempotent. If the primary is not open and healthy within the startup
// timeout the worker starts on the fallback store; a primary that opens
// later is closed.
func (w *Worker) Start(ctx context.Context) error {
	w.startOnce.Do(func() {
		w.startErr = w.start(ctx)
	})
	return w.startErr
}

func (w *Worker) start(ctx context.Context) error {
	if w.stopping.Load() {
		w.neverStarted = true
		return ErrStopped
	}

	primary, err := w.openPrimaryWithin(ctx, w.config.StartupTimeout)
	if err != nil {
		w.logger.Warn("primary store unavailable at startup, using fallback", zap.Error(err))
		if _, ferr := w.ensureFallback(ctx); ferr != nil {
			w.neverStarted = true
			return fmt.Errorf("opening fallback store: %w", errors.Join(err, ferr))
		}
		FallbackSwitches.Inc()
		w.setState(StateReadyFallback)
	} else {
		w.primary = primary
		w.setState(StateReadyPrimary)
	}

	go w.loop()
	return nil
}

type openResult struct {
	store vectorstore.Store
	err   error
}

// openPrimaryWithin opens and health-checks the primary, giving up after
// timeout. The open itself is not canceled so that a late store can be
// closed cleanly.
func (w *Worker) openPrimaryWithin(ctx context.Context, timeout time.Duration) (vectorstore.Store, error) {
	openCtx := context.WithoutCancel(ctx)
	ch := make(chan openResult, 1)
	go func() {
		s, err := w.openPrimary(openCtx)
		if err == nil {
			if herr := s.HealthCheck(openCtx); herr != nil {
				_ = s.Close()
				s, err = nil, fmt.Errorf("health check: %w", herr)
			}
		}
		ch <- openResult{store: s, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case r := <-ch:
		return r.store, r.err
	case <-timer.C:
		cause = fmt.Errorf("%w: primary did not open within %s", vectorstore.ErrStoreUnavailable, timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	go func() {
		r := <-ch
		if r.store != nil {
			w.logger.Info("primary store opened after startup timeout, closing it")
			if err := r.store.Close(); err != nil {
				w.logger.Warn("closing late primary store", zap.Error(err))
			}
		}
	}()
	return nil, cause
}

// Submit enqueues a request and waits for its response. The wait is
// bounded by the smaller of ctx's deadline and the request timeout. The
// worker is started on first use.
func (w *Worker) Submit(ctx context.Context, kind Kind, payload any) (Response, error) {
	if w.stopping.Load() {
		return Response{}, ErrStopped
	}
	if err := w.Start(context.WithoutCancel(ctx)); err != nil {
		return Response{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.config.RequestTimeout)
	defer cancel()

	req := &Request{
		ID:        uuid.New(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
		ctx:       reqCtx,
		reply:     make(chan Response, 1),
	}

	select {
	case w.queue <- req:
		QueueDepth.Set(float64(len(w.queue)))
	case <-w.stopCh:
		return Response{}, ErrStopped
	case <-reqCtx.Done():
		return Response{}, w.timeoutError(ctx, req)
	}

	select {
	case resp := <-req.reply:
		if resp.Err != nil && reqCtx.Err() != nil && errors.Is(resp.Err, context.DeadlineExceeded) {
			return resp, w.timeoutError(ctx, req)
		}
		return resp, resp.Err
	case <-reqCtx.Done():
		return Response{}, w.timeoutError(ctx, req)
	case <-w.done:
		select {
		case resp := <-req.reply:
			return resp, resp.Err
		default:
			return Response{}, ErrStopped
		}
	}
}

func (w *Worker) timeoutError(parent context.Context, req *Request) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	w.logger.Warn("request timed out",
		zap.String("request_id", req.ID.String()),
		zap.String("kind", string(req.Kind)),
		zap.Duration("waited", time.Since(req.Timestamp)))
	return fmt.Errorf("%w: %s after %s", ErrRequestTimeout, req.Kind, time.Since(req.Timestamp).Round(time.Millisecond))
}

// Stop refuses new requests, serves queued ones until the drain timeout,
// answers the rest with ErrStopped, and closes the stores and the
// embedding service.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		w.startOnce.Do(func() {
			w.neverStarted = true
			w.startErr = ErrStopped
		})
		close(w.stopCh)
		if w.neverStarted {
			w.closeErr = w.embedder.Close()
			w.setState(StateStopped)
			close(w.done)
		}
	})

	select {
	case <-w.done:
		return w.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.done)
	w.recoverOrphans()

	for {
		select {
		case req := <-w.queue:
			QueueDepth.Set(float64(len(w.queue)))
			w.handle(req)
		case <-w.stopCh:
			w.drain()
			w.closeErr = w.shutdown()
			w.setState(StateStopped)
			return
		}
	}
}

func (w *Worker) drain() {
	deadline := time.Now().Add(w.config.DrainTimeout)
	served, refused := 0, 0
	for {
		select {
		case req := <-w.queue:
			if time.Now().After(deadline) {
				w.reply(req, Response{RequestID: req.ID, Err: ErrStopped, ServedBy: ServedByWorker}, "stopped")
				refused++
				continue
			}
			w.handle(req)
			served++
		default:
			QueueDepth.Set(0)
			w.logger.Info("worker drained", zap.Int("served", served), zap.Int("refused", refused))
			return
		}
	}
}

func (w *Worker) shutdown() error {
	var errs []error
	if w.primary != nil {
		if err := w.primary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing primary store: %w", err))
		}
	}
	if w.fallback != nil {
		if err := w.fallback.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing fallback store: %w", err))
		}
	}
	if err := w.embedder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing embedding service: %w", err))
	}
	return errors.Join(errs...)
}

func (w *Worker) handle(req *Request) {
	start := time.Now()
	defer func() {
		RequestDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
	}()

	if err := req.ctx.Err(); err != nil && req.Kind.readOnly() {
		// Nobody is waiting for the answer and nothing would change.
		w.reply(req, Response{RequestID: req.ID, Err: ErrRequestTimeout, ServedBy: ServedByWorker}, "expired")
		return
	}

	data, servedBy, err := w.dispatch(req)
	resp := Response{
		RequestID: req.ID,
		Success:   err == nil,
		Data:      data,
		Err:       err,
		ServedBy:  servedBy,
	}
	result := "success"
	if err != nil {
		result = "error"
		w.logger.Debug("request failed",
			zap.String("request_id", req.ID.String()),
			zap.String("kind", string(req.Kind)),
			zap.String("served_by", servedBy),
			zap.Error(err))
	}
	w.reply(req, resp, result)
}

func (w *Worker) reply(req *Request, resp Response, result string) {
	RequestsTotal.WithLabelValues(string(req.Kind), result).Inc()
	select {
	case req.reply <- resp:
	default:
	}
}

// ForceReinitialize asks the worker to reopen the primary store before its
// next operation and migrate entries written to the fallback into it.
func (w *Worker) ForceReinitialize() {
	w.failures.Store(0)
	w.reinit.Store(true)
	w.logger.Info("primary store reinitialization requested")
}
