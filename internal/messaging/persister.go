// Package messaging dispatches chat messages and the per-message interactions
// (reactions and read receipts) sent over a connection.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/logging"
)

const (
	defaultPersistWorkers   = 4
	defaultPersistQueueSize = 1024
	defaultRetryDelay       = 200 * time.Millisecond
	defaultMaxRetryDelay    = 5 * time.Second
	defaultSaveTimeout      = 10 * time.Second
)

var (
	errMissingSaver     = errors.New("messaging: message saver required")
	errPersisterRunning = errors.New("messaging: persister already running")
	errQueueFull        = errors.New("messaging: persist queue full")
	errPersisterStopped = errors.New("messaging: persister stopped")
)

// FailureHook receives messages that could not be persisted after every retry.
type FailureHook interface {
	PersistFailed(ctx context.Context, message chat.Message, cause error)
}

// PersisterConfig configures a Persister.
type PersisterConfig struct {
	Saver         chat.MessageSaver
	Workers       int
	QueueSize     int
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	SaveTimeout   time.Duration
	Failures      prometheus.Counter
	OnFailure     FailureHook
	Logger        *zap.Logger
}

type persistJob struct {
	traceID string
	message chat.Message
}

// Persister saves messages in the background. Enqueue never blocks the
// sender; a full queue or exhausted retries count as a failure.
type Persister struct {
	saver         chat.MessageSaver
	workers       int
	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	saveTimeout   time.Duration
	failures      prometheus.Counter
	onFailure     FailureHook
	logger        *zap.Logger

	queue   chan persistJob
	mu      sync.RWMutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPersister validates the configuration and constructs a Persister.
func NewPersister(cfg PersisterConfig) (*Persister, error) {
	if cfg.Saver == nil {
		return nil, errMissingSaver
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultPersistWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultPersistQueueSize
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	maxRetryDelay := cfg.MaxRetryDelay
	if maxRetryDelay <= 0 {
		maxRetryDelay = defaultMaxRetryDelay
	}
	saveTimeout := cfg.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = defaultSaveTimeout
	}
	failures := cfg.Failures
	if failures == nil {
		failures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_message_persist_failures_total",
			Help: "Messages that could not be persisted.",
		})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		saver:         cfg.Saver,
		workers:       workers,
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
		maxRetryDelay: maxRetryDelay,
		saveTimeout:   saveTimeout,
		failures:      failures,
		onFailure:     cfg.OnFailure,
		logger:        logger,
		queue:         make(chan persistJob, queueSize),
	}, nil
}

// Start launches the workers.
func (p *Persister) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errPersisterRunning
	}
	if p.stopped {
		return errPersisterStopped
	}
	p.running = true
	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for index := 0; index < p.workers; index++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(workerCtx)
		}()
	}
	p.logger.Info("message persister started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.queue)))
	return nil
}

// Enqueue schedules message for persistence and reports whether it was accepted.
func (p *Persister) Enqueue(ctx context.Context, message chat.Message) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.fail(ctx, message, errPersisterStopped)
		return false
	}
	select {
	case p.queue <- persistJob{traceID: logging.TraceID(ctx), message: message}:
		return true
	default:
		p.fail(ctx, message, errQueueFull)
		return false
	}
}

// Stop refuses new work and drains the queue until ctx expires.
func (p *Persister) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	running := p.running
	p.mu.Unlock()
	if !running {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		p.logger.Info("message persister drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("message persister stopped before draining", zap.Int("pending", len(p.queue)))
		return ctx.Err()
	}
}

func (p *Persister) work(ctx context.Context) {
	for job := range p.queue {
		jobCtx := logging.ContextWithTraceID(ctx, job.traceID)
		if err := p.persist(jobCtx, job.message); err != nil {
			p.fail(jobCtx, job.message, err)
		}
	}
}

func (p *Persister) persist(ctx context.Context, message chat.Message) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.backoff(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
		}
		saveCtx, cancel := context.WithTimeout(ctx, p.saveTimeout)
		lastErr = p.saver.SaveMessage(saveCtx, message)
		cancel()
		if lastErr == nil {
			return nil
		}
		logging.WithContext(p.logger, ctx).Warn("message save attempt failed",
			zap.String("message_id", message.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return lastErr
}

func (p *Persister) backoff(attempt int) time.Duration {
	delay := p.retryDelay << (attempt - 1)
	if delay <= 0 || delay > p.maxRetryDelay {
		return p.maxRetryDelay
	}
	return delay
}

func (p *Persister) fail(ctx context.Context, message chat.Message, cause error) {
	p.failures.Inc()
	logging.WithContext(p.logger, ctx).Error("message not persisted",
		zap.String("operation", "messaging.persist"),
		zap.String("reason", "persist_failed"),
		zap.String("message_id", message.ID),
		zap.String("room_id", message.RoomID),
		zap.Error(cause))
	if p.onFailure != nil {
		p.onFailure.PersistFailed(ctx, message, cause)
	}
}
