// Copyright 2025 James Ross
// Package queueadapter is the Queue Adapter: at-least-once send/receive/
// delete over Redis lists, with receipt-handle semantics layered on top
// of BRPOPLPUSH's processing-list idiom. Grounded on the worker's
// priority-ordered dequeue loop (runOne) and the reaper's abandoned
// processing-list recovery.
package queueadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
)

// Message is one dequeued item together with the receipt handle needed
// to delete it after successful processing.
type Message struct {
	Body          string
	ReceiptHandle ReceiptHandle
}

// ReceiptHandle names the processing list a message was moved into and
// the exact payload to remove from it. Deletion is therefore idempotent:
// a repeated delete for an already-removed payload is a no-op LREM.
type ReceiptHandle struct {
	ProcessingList string
	Payload        string
}

// Adapter is the Queue Adapter.
type Adapter struct {
	rdb *redis.Client
	cfg *config.Config
	log *zap.Logger
}

// New builds an Adapter over an existing Redis client.
func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Adapter {
	return &Adapter{rdb: rdb, cfg: cfg, log: log}
}

// Send enqueues body on queueName for a consumer to receive later.
func (a *Adapter) Send(ctx context.Context, queueName, body string) error {
	return a.rdb.LPush(ctx, queueName, body).Err()
}

// Receive long-polls queueName for up to cfg.QueueTransport.ReceiveWait,
// moving whatever it dequeues into a per-consumer processing list named
// from consumerID. The returned Message's ReceiptHandle must be passed to
// Delete once the caller has durably acted on it; until then the payload
// sits visible in the processing list, which the Reaper requeues whenever
// no heartbeat key exists for consumerID (see Heartbeat).
func (a *Adapter) Receive(ctx context.Context, queueName, consumerID string) (Message, bool, error) {
	procList := fmt.Sprintf(a.cfg.QueueTransport.ProcessingListPattern, consumerID, queueName)

	deadline := time.Now().Add(a.cfg.QueueTransport.ReceiveWait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Message{}, false, nil
		}
		step := remaining
		if step > time.Second {
			step = time.Second
		}

		payload, err := a.rdb.BRPopLPush(ctx, queueName, procList, step).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return Message{}, false, ctx.Err()
			}
			continue
		}
		if err != nil {
			return Message{}, false, err
		}

		return Message{
			Body: payload,
			ReceiptHandle: ReceiptHandle{
				ProcessingList: procList,
				Payload:        payload,
			},
		}, true, nil
	}
}

// Delete removes a message's payload from its processing list. Safe to
// call more than once: LREM of an absent payload is a no-op.
func (a *Adapter) Delete(ctx context.Context, handle ReceiptHandle) error {
	return a.rdb.LRem(ctx, handle.ProcessingList, 1, handle.Payload).Err()
}

// Heartbeat refreshes a liveness key for consumerID that expires after
// cfg.QueueTransport.ConsumerHeartbeatTTL; while it exists, the Reaper
// leaves that consumer's processing lists alone. The events and
// submissions consumers do not call it, so the Reaper requeues whatever
// they leave undeleted in their processing lists.
func (a *Adapter) Heartbeat(ctx context.Context, consumerID string) error {
	key := heartbeatKey(consumerID)
	return a.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), a.cfg.QueueTransport.ConsumerHeartbeatTTL).Err()
}

func heartbeatKey(consumerID string) string {
	return fmt.Sprintf("pipeline:consumer:%s:heartbeat", consumerID)
}

// Len reports the current length of queueName, used by the queue-length
// gauge updater.
func (a *Adapter) Len(ctx context.Context, queueName string) (int64, error) {
	return a.rdb.LLen(ctx, queueName).Result()
}

// ScanProcessingLists returns processing-list keys matching glob, used by
// the Reaper to find abandoned lists left behind by dead consumers.
func (a *Adapter) ScanProcessingLists(ctx context.Context, glob string) ([]string, error) {
	var keys []string
	iter := a.rdb.Scan(ctx, 0, glob, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// ConsumerAlive reports whether a heartbeat key still exists for
// consumerID, i.e. whether its processing lists are still being worked.
func (a *Adapter) ConsumerAlive(ctx context.Context, consumerID string) (bool, error) {
	n, err := a.rdb.Exists(ctx, heartbeatKey(consumerID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequeueAbandoned pops every payload off an abandoned processing list
// and pushes it back onto queueName, returning the count recovered.
func (a *Adapter) RequeueAbandoned(ctx context.Context, processingList, queueName string) (int, error) {
	count := 0
	for {
		payload, err := a.rdb.RPop(ctx, processingList).Result()
		if err == redis.Nil {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		if err := a.rdb.LPush(ctx, queueName, payload).Err(); err != nil {
			return count, err
		}
		count++
	}
}
