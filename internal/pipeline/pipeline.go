// Package pipeline drains the message queue with a fixed pool of workers
// and owns the retry / fallback / dead-letter routing for every message.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"otp-gateway/internal/messages"
	"otp-gateway/internal/observability"
	"otp-gateway/internal/queue"
)

// Dispatcher is a delivery channel. Deliver reports true when the message
// reached the channel; a non-nil error is recorded as the message's last
// error and the next channel is tried. Errors must never contain body
// content.
type Dispatcher interface {
	Name() string
	Deliver(ctx context.Context, msg *messages.Message) (bool, error)
}

// DeadLetterSink receives messages whose retry budget is exhausted.
type DeadLetterSink interface {
	Capture(ctx context.Context, msg *messages.Message) error
}

type Pipeline struct {
	logger  *zap.Logger
	queue   *queue.Queue
	metrics *observability.Metrics

	primaries []Dispatcher
	fallback  Dispatcher
	dlo       DeadLetterSink

	concurrency int
	dequeueWait time.Duration
	backoff     func(retryCount int) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup

	running        int32
	inflight       int64
	totalDelivered int64
	totalFailed    int64
	deadLettered   int64
}

func New(logger *zap.Logger, q *queue.Queue, metrics *observability.Metrics, concurrency int) *Pipeline {
	if concurrency <= 0 {
		concurrency = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		logger:      logger,
		queue:       q,
		metrics:     metrics,
		concurrency: concurrency,
		dequeueWait: time.Second,
		backoff:     defaultBackoff,
		ctx:         ctx,
		cancel:      cancel,
		stop:        make(chan struct{}),
	}
}

// defaultBackoff grows exponentially with the retry count, capped at 60s.
func defaultBackoff(retryCount int) time.Duration {
	if retryCount > 6 {
		return 60 * time.Second
	}
	backoff := time.Duration(1<<uint(retryCount)) * time.Second
	if backoff > 60*time.Second {
		backoff = 60 * time.Second
	}
	return backoff
}

// RegisterPrimary appends a primary channel; workers try primaries in
// registration order.
func (p *Pipeline) RegisterPrimary(d Dispatcher) {
	p.primaries = append(p.primaries, d)
	p.logger.Info("registered primary consumer", zap.String("channel", d.Name()))
}

func (p *Pipeline) RegisterFallback(d Dispatcher) {
	p.fallback = d
	p.logger.Info("registered fallback consumer", zap.String("channel", d.Name()))
}

func (p *Pipeline) RegisterDeadLetterSink(sink DeadLetterSink) {
	p.dlo = sink
	p.logger.Info("registered dead letter sink")
}

func (p *Pipeline) Start() error {
	if len(p.primaries) == 0 {
		return errors.New("no primary consumers registered")
	}
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return errors.New("pipeline already running")
	}

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("pipeline started",
		zap.Int("workers", p.concurrency),
		zap.Int("queue_max_size", p.queue.MaxSize()))
	return nil
}

// Enqueue accepts a message from ingress. Returns queue.ErrFull under
// backpressure and queue.ErrClosed during shutdown.
func (p *Pipeline) Enqueue(ctx context.Context, msg *messages.Message) error {
	if err := p.queue.Enqueue(ctx, msg); err != nil {
		return err
	}
	p.metrics.MessagesEnqueuedTotal.Inc()
	p.metrics.QueueDepth.Set(float64(p.queue.Depth()))
	p.logger.Info("enqueued sms",
		zap.String("sms_id", msg.SMSID),
		zap.String("sender", msg.Sender),
		zap.Int("queue_depth", p.queue.Depth()))
	return nil
}

// Stop closes the queue to producers, lets workers drain until empty or
// the timeout elapses, then cancels remaining workers. Abandoned in-flight
// messages are counted and logged; the queue is volatile by design.
func (p *Pipeline) Stop(drainTimeout time.Duration) {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}

	deadline := time.Now().Add(drainTimeout)
	remaining := p.queue.CloseAndDrain(drainTimeout)

	for atomic.LoadInt64(&p.inflight) > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	close(p.stop)
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		p.logger.Warn("worker shutdown timeout")
	}

	if abandoned := remaining + int(atomic.LoadInt64(&p.inflight)); abandoned > 0 {
		p.logger.Warn("drain timeout reached", zap.Int("abandoned_messages", abandoned))
	}
	p.logger.Info("pipeline stopped")
}

func (p *Pipeline) worker(workerID int) {
	defer p.wg.Done()
	p.logger.Info("worker started", zap.Int("worker_id", workerID))

	for {
		select {
		case <-p.stop:
			p.logger.Info("worker stopping", zap.Int("worker_id", workerID))
			return
		default:
		}

		msg, ok := p.queue.Dequeue(p.dequeueWait)
		if !ok {
			continue
		}

		atomic.AddInt64(&p.inflight, 1)
		p.process(msg, workerID)
		atomic.AddInt64(&p.inflight, -1)
		p.metrics.QueueDepth.Set(float64(p.queue.Depth()))
	}
}

// process runs one delivery cycle: primaries in order, then the fallback,
// then retry with backoff or dead-letter routing. The message is owned
// exclusively by this worker until it exits the pipeline.
func (p *Pipeline) process(msg *messages.Message, workerID int) {
	msg.Status = messages.StatusProcessing
	delivered := false

	for _, d := range p.primaries {
		ok, err := d.Deliver(p.ctx, msg)
		if err != nil {
			msg.LastError = shortError(err)
			p.logger.Error("consumer failed",
				zap.Int("worker_id", workerID),
				zap.String("channel", d.Name()),
				zap.String("sms_id", msg.SMSID),
				zap.String("error", msg.LastError))
			continue
		}
		if ok {
			p.markDelivered(msg, d.Name(), workerID)
			delivered = true
			break
		}
	}

	if !delivered && p.fallback != nil {
		ok, err := p.fallback.Deliver(p.ctx, msg)
		if err != nil {
			msg.LastError = shortError(err)
			p.logger.Error("fallback failed",
				zap.Int("worker_id", workerID),
				zap.String("sms_id", msg.SMSID),
				zap.String("error", msg.LastError))
		}
		if ok {
			p.markDelivered(msg, p.fallback.Name(), workerID)
			delivered = true
		}
	}

	if delivered {
		return
	}

	msg.RetryCount++
	if msg.Retriable() {
		backoff := p.backoff(msg.RetryCount)
		p.logger.Warn("delivery retry",
			zap.Int("worker_id", workerID),
			zap.String("sms_id", msg.SMSID),
			zap.Int("retry", msg.RetryCount),
			zap.Int("max_retries", msg.MaxRetries),
			zap.Duration("backoff", backoff))
		p.metrics.RetryAttemptsTotal.WithLabelValues("delivery_failed").Inc()

		if !p.sleep(backoff) {
			p.logger.Warn("retry abandoned at shutdown", zap.String("sms_id", msg.SMSID))
			return
		}
		msg.Status = messages.StatusQueued
		if err := p.queue.Requeue(p.ctx, msg); err != nil {
			p.deadLetter(msg, workerID)
		}
		return
	}

	p.deadLetter(msg, workerID)
}

func (p *Pipeline) markDelivered(msg *messages.Message, channel string, workerID int) {
	msg.Status = messages.StatusDelivered
	atomic.AddInt64(&p.totalDelivered, 1)
	p.metrics.MessagesDeliveredTotal.WithLabelValues(channel).Inc()
	p.logger.Info("delivered sms",
		zap.Int("worker_id", workerID),
		zap.String("sms_id", msg.SMSID),
		zap.String("channel", channel))
}

func (p *Pipeline) deadLetter(msg *messages.Message, workerID int) {
	msg.Status = messages.StatusDeadLettered
	atomic.AddInt64(&p.totalFailed, 1)
	atomic.AddInt64(&p.deadLettered, 1)
	p.metrics.MessagesDeadLetteredTotal.Inc()
	p.logger.Error("retries exhausted, routing to dead letter office",
		zap.Int("worker_id", workerID),
		zap.String("sms_id", msg.SMSID),
		zap.Int("retry_count", msg.RetryCount))

	if p.dlo != nil {
		if err := p.dlo.Capture(p.ctx, msg); err != nil {
			p.logger.Error("dead letter capture failed",
				zap.String("sms_id", msg.SMSID),
				zap.Error(err))
		}
	}
}

// sleep waits for the backoff duration, returning false when interrupted
// by shutdown.
func (p *Pipeline) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.stop:
		return false
	case <-p.ctx.Done():
		return false
	}
}

// shortError keeps last_error diagnostic-sized. Dispatchers are required
// to emit errors free of body content.
func shortError(err error) string {
	s := err.Error()
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

type Metrics struct {
	QueueDepth        int   `json:"queue_depth"`
	MaxSize           int   `json:"max_size"`
	TotalEnqueued     int64 `json:"total_enqueued"`
	TotalDelivered    int64 `json:"total_delivered"`
	TotalFailed       int64 `json:"total_failed"`
	TotalDeadLettered int64 `json:"total_dead_lettered"`
	ActiveWorkers     int   `json:"active_workers"`
	Running           bool  `json:"running"`
}

func (p *Pipeline) Metrics() Metrics {
	return Metrics{
		QueueDepth:        p.queue.Depth(),
		MaxSize:           p.queue.MaxSize(),
		TotalEnqueued:     p.queue.TotalEnqueued(),
		TotalDelivered:    atomic.LoadInt64(&p.totalDelivered),
		TotalFailed:       atomic.LoadInt64(&p.totalFailed),
		TotalDeadLettered: atomic.LoadInt64(&p.deadLettered),
		ActiveWorkers:     p.concurrency,
		Running:           atomic.LoadInt32(&p.running) == 1,
	}
}

// Delivered and DeadLettered expose pipeline outcome counters for tests
// and the health surface.
func (p *Pipeline) Delivered() int64 {
	return atomic.LoadInt64(&p.totalDelivered)
}

func (p *Pipeline) DeadLettered() int64 {
	return atomic.LoadInt64(&p.deadLettered)
}
