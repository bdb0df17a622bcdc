package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	outboxStream   = "webhook:outbox"
	outboxGroup    = "webhook-workers"
	outboxBlock    = 5 * time.Second
	outboxBatch    = 20
	staleClaimIdle = time.Minute
)

// Delivery is a verified webhook event persisted before acknowledgment so a
// store outage at delivery time cannot silently lose it.
type Delivery struct {
	UserID    string
	Provider  string
	EventType string
	EventID   string
	Payload   string
}

// Outbox is a durable queue for verified webhook events, backed by a redis
// stream with a consumer group. Enqueue happens before the HTTP 200 is sent;
// a worker drains entries and only acknowledges after successful processing,
// so crashed or failed deliveries are re-claimed.
type Outbox struct {
	client *redis.Client
}

// NewOutbox creates the outbox and ensures its consumer group exists.
func NewOutbox(ctx context.Context, client *redis.Client) (*Outbox, error) {
	o := &Outbox{client: client}
	if err := client.XGroupCreateMkStream(ctx, outboxStream, outboxGroup, "$").Err(); err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("failed to create outbox group: %w", err)
		}
	}
	return o, nil
}

// Enqueue appends a verified delivery to the outbox.
func (o *Outbox) Enqueue(ctx context.Context, d Delivery) (string, error) {
	return o.client.XAdd(ctx, &redis.XAddArgs{
		Stream: outboxStream,
		Values: map[string]any{
			"user_id":    d.UserID,
			"provider":   d.Provider,
			"event_type": d.EventType,
			"event_id":   d.EventID,
			"payload":    d.Payload,
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
}

// DrainOnce reads one batch for the named consumer and hands each delivery
// to the handler. Successful deliveries are acknowledged; failed ones stay
// pending and are re-claimed later. Returns the number processed.
func (o *Outbox) DrainOnce(ctx context.Context, consumer string, handler func(context.Context, Delivery) error) (int, error) {
	res, err := o.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    outboxGroup,
		Consumer: consumer,
		Streams:  []string{outboxStream, ">"},
		Count:    outboxBatch,
		Block:    outboxBlock,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("outbox read failed: %w", err)
	}

	processed := 0
	for _, stream := range res {
		for _, msg := range stream.Messages {
			if o.handle(ctx, msg, handler) {
				processed++
			}
		}
	}
	return processed, nil
}

// ReclaimStale takes over entries another consumer left pending (crashed
// worker, failed handler) and retries them.
func (o *Outbox) ReclaimStale(ctx context.Context, consumer string, handler func(context.Context, Delivery) error) (int, error) {
	msgs, _, err := o.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   outboxStream,
		Group:    outboxGroup,
		Consumer: consumer,
		MinIdle:  staleClaimIdle,
		Start:    "0-0",
		Count:    outboxBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("outbox reclaim failed: %w", err)
	}

	processed := 0
	for _, msg := range msgs {
		if o.handle(ctx, msg, handler) {
			processed++
		}
	}
	return processed, nil
}

func (o *Outbox) handle(ctx context.Context, msg redis.XMessage, handler func(context.Context, Delivery) error) bool {
	d := Delivery{
		UserID:    stringVal(msg.Values["user_id"]),
		Provider:  stringVal(msg.Values["provider"]),
		EventType: stringVal(msg.Values["event_type"]),
		EventID:   stringVal(msg.Values["event_id"]),
		Payload:   stringVal(msg.Values["payload"]),
	}
	if err := handler(ctx, d); err != nil {
		log.Printf("Warning: outbox delivery %s (%s) failed, leaving pending: %v", msg.ID, d.EventType, err)
		return false
	}
	if err := o.client.XAck(ctx, outboxStream, outboxGroup, msg.ID).Err(); err != nil {
		log.Printf("Warning: outbox ack failed for %s: %v", msg.ID, err)
	}
	return true
}

// Worker drains the outbox continuously.
type Worker struct {
	outbox   *Outbox
	consumer string
	handler  func(context.Context, Delivery) error
	interval time.Duration
}

// NewWorker creates a drain worker.
func NewWorker(outbox *Outbox, consumer string, handler func(context.Context, Delivery) error) *Worker {
	return &Worker{
		outbox:   outbox,
		consumer: consumer,
		handler:  handler,
		interval: time.Second,
	}
}

// Start launches the drain loop; it stops when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		reclaim := time.NewTicker(staleClaimIdle)
		defer reclaim.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reclaim.C:
				if _, err := w.outbox.ReclaimStale(ctx, w.consumer, w.handler); err != nil && ctx.Err() == nil {
					log.Printf("Outbox: reclaim error: %v", err)
				}
			default:
				if _, err := w.outbox.DrainOnce(ctx, w.consumer, w.handler); err != nil && ctx.Err() == nil {
					log.Printf("Outbox: drain error: %v", err)
					time.Sleep(w.interval)
				}
			}
		}
	}()
}
