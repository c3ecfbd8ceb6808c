package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	deliveryTimeout   = 10 * time.Second
	maxDeliveryWait   = 30 * time.Second
	queueDepth        = 1024
	maxDeliveryElapsed = 24 * time.Hour
)

// retryAfterBackOff wraps an exponential backoff, preferring a server-supplied
// Retry-After delay (set by the last attempt) over the computed interval.
type retryAfterBackOff struct {
	inner      *backoff.ExponentialBackOff
	mu         sync.Mutex
	retryAfter time.Duration
	hasOverride bool
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasOverride {
		b.hasOverride = false
		return b.retryAfter
	}
	return b.inner.NextBackOff()
}

func (b *retryAfterBackOff) setOverride(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retryAfter = d
	b.hasOverride = true
}

// Dispatcher delivers webhook events to subscribers, one goroutine per
// subscription so deliveries for a given subscription are strictly ordered:
// offset O is delivered (or permanently dead-lettered) before O+1 is attempted.
type Dispatcher struct {
	store  *Store
	client *http.Client
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]chan Delivery
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onDeadLetter func(DeadLetter)
}

// NewDispatcher creates a Dispatcher. A zero timeout uses the default deliveryTimeout.
func NewDispatcher(store *Store, logger *zap.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = deliveryTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		queues: make(map[string]chan Delivery),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnDeadLetter registers a callback invoked when a delivery is permanently abandoned.
func (d *Dispatcher) OnDeadLetter(fn func(DeadLetter)) {
	d.onDeadLetter = fn
}

// Enqueue queues an append event for delivery to every subscription whose
// pattern matches streamPath. Non-blocking: if a subscription's queue is full
// the event is logged and dropped rather than blocking the append path.
func (d *Dispatcher) Enqueue(streamPath, offset string, body []byte, contentType string) {
	subs := d.store.FindMatchingSubscriptions(streamPath)
	for _, sub := range subs {
		q := d.queueFor(sub.SubscriptionID)
		delivery := Delivery{
			SubscriptionID: sub.SubscriptionID,
			StreamPath:     streamPath,
			Offset:         offset,
			Body:           body,
			ContentType:    contentType,
		}
		select {
		case q <- delivery:
		default:
			d.logger.Warn("webhook queue full, dropping delivery",
				zap.String("subscription_id", sub.SubscriptionID),
				zap.String("stream", streamPath))
		}
	}
}

func (d *Dispatcher) queueFor(subscriptionID string) chan Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queues[subscriptionID]; ok {
		return q
	}

	q := make(chan Delivery, queueDepth)
	d.queues[subscriptionID] = q
	d.wg.Add(1)
	go d.drain(subscriptionID, q)
	return q
}

func (d *Dispatcher) drain(subscriptionID string, q chan Delivery) {
	defer d.wg.Done()
	for {
		select {
		case delivery := <-q:
			d.deliver(delivery)
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) deliver(delivery Delivery) {
	sub := d.store.GetSubscription(delivery.SubscriptionID)
	if sub == nil {
		return
	}

	bo := &retryAfterBackOff{inner: backoff.NewExponentialBackOff()}
	bo.inner.MaxInterval = maxDeliveryWait
	bo.inner.MaxElapsedTime = maxDeliveryElapsed

	attempts := 0
	_, err := backoff.Retry(d.ctx, func() (struct{}, error) {
		attempts++
		err := d.attempt(sub, delivery)
		if err == nil {
			return struct{}{}, nil
		}
		if de, ok := err.(*deliveryError); ok && de.retryAfter > 0 {
			bo.setOverride(de.retryAfter)
		}
		if de, ok := err.(*deliveryError); ok && !de.retryable {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo))

	if err != nil {
		d.logger.Warn("webhook delivery dead-lettered",
			zap.String("subscription_id", sub.SubscriptionID),
			zap.String("stream", delivery.StreamPath),
			zap.String("offset", delivery.Offset),
			zap.Int("attempts", attempts),
			zap.Error(err))
		if d.onDeadLetter != nil {
			d.onDeadLetter(DeadLetter{
				SubscriptionID: sub.SubscriptionID,
				StreamPath:     delivery.StreamPath,
				Offset:         delivery.Offset,
				Error:          err.Error(),
				FailedAttempts: attempts,
			})
		}
		return
	}

	d.store.AdvanceCursor(sub.SubscriptionID, delivery.Offset)
}

type deliveryError struct {
	err        error
	retryable  bool
	retryAfter time.Duration
}

func (e *deliveryError) Error() string { return e.err.Error() }

func (d *Dispatcher) attempt(sub *Subscription, delivery Delivery) error {
	req, err := http.NewRequest(http.MethodPost, sub.Webhook, bytes.NewReader(delivery.Body))
	if err != nil {
		return &deliveryError{err: err, retryable: false}
	}
	req.Header.Set("Content-Type", delivery.ContentType)
	req.Header.Set("Webhook-Signature", SignWebhookPayload(delivery.Body, sub.WebhookSecret))
	req.Header.Set("Stream-Path", delivery.StreamPath)
	req.Header.Set("Stream-Offset", delivery.Offset)

	resp, err := d.client.Do(req)
	if err != nil {
		return &deliveryError{err: err, retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &deliveryError{
			err:        fmt.Errorf("webhook responded %d", resp.StatusCode),
			retryable:  true,
			retryAfter: retryAfter,
		}
	}

	if resp.StatusCode >= 500 {
		return &deliveryError{err: fmt.Errorf("webhook responded %d", resp.StatusCode), retryable: true}
	}

	// 4xx other than 429: consumer's request is malformed, retrying won't help.
	return &deliveryError{err: fmt.Errorf("webhook responded %d", resp.StatusCode), retryable: false}
}

// Shutdown stops accepting new work and waits for in-flight drains to exit.
func (d *Dispatcher) Shutdown() {
	close(d.done)
	d.cancel()
	d.wg.Wait()
}
