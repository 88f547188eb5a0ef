package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const sendTimeout = 5 * time.Second

// Dispatcher decouples callers from delivery. Notify never blocks: when the
// queue is full the message is dropped and logged.
type Dispatcher struct {
	notifier Notifier
	logger   *slog.Logger
	queue    chan Message
	wg       sync.WaitGroup
	once     sync.Once
	mu       sync.RWMutex
	closed   bool
}

// NewDispatcher starts a single delivery worker over a queue of size capacity.
func NewDispatcher(notifier Notifier, capacity int, logger *slog.Logger) *Dispatcher {
	if capacity <= 0 {
		capacity = 1
	}
	d := &Dispatcher{
		notifier: notifier,
		logger:   logger,
		queue:    make(chan Message, capacity),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Notify enqueues a message for accountID. It reports whether the message was
// accepted.
func (d *Dispatcher) Notify(accountID string, message Message) bool {
	message.AccountID = accountID
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- message:
		return true
	default:
		d.logger.Warn("notification queue full, dropping",
			slog.String("kind", message.Kind),
			slog.String("account_id", accountID),
		)
		return false
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := d.notifier.Send(ctx, msg); err != nil {
			d.logger.Warn("notification delivery failed",
				slog.String("kind", msg.Kind),
				slog.String("account_id", msg.AccountID),
				slog.Any("error", err),
			)
		}
		cancel()
	}
}

// Close stops accepting messages and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
