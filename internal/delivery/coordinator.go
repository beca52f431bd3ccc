// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package delivery

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/relaykit/internal/cache"
	"github.com/jeranaias/relaykit/internal/coalesce"
	"github.com/jeranaias/relaykit/internal/model"
	"github.com/jeranaias/relaykit/internal/queue"
	"github.com/jeranaias/relaykit/internal/stream"
	"github.com/jeranaias/relaykit/internal/transport"
)

// =============================================================================
// OPTIONS
// =============================================================================

const (
	// DefaultRetryCeiling is how many connectivity failures a queue entry
	// absorbs before it is parked as FAILED.
	DefaultRetryCeiling = 3

	// DefaultRetryDelay is the fixed pause before re-attempting after a
	// connectivity failure.
	DefaultRetryDelay = 5 * time.Second

	// eventBuffer bounds the subscriber channel; overflow drops with a log.
	eventBuffer = 64

	// requestBuffer bounds the worker inbox.
	requestBuffer = 32
)

// ErrClosed is returned by operations on a closed coordinator.
var ErrClosed = errors.New("delivery coordinator closed")

// Options tune a coordinator. Zero values fall back to defaults.
type Options struct {
	RetryCeiling   int
	RetryDelay     time.Duration
	UpdateInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetryCeiling <= 0 {
		o.RetryCeiling = DefaultRetryCeiling
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = coalesce.DefaultInterval
	}
	return o
}

// =============================================================================
// COORDINATOR
// =============================================================================

type reqKind int

const (
	reqSend reqKind = iota
	reqFlush
	reqLoadHistory
)

type request struct {
	kind reqKind
	text string
}

// Coordinator owns delivery for one conversation view. All network and
// persistence work happens on a single background worker goroutine, so at
// most one attempt is in flight at a time and queue order is preserved.
type Coordinator struct {
	queue     *queue.PendingQueue
	cache     *cache.Cache
	transport transport.Transport
	opts      Options

	requests chan request
	events   chan Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.Mutex
	conversationID string
	attempting     bool
	halted         bool
	closed         bool
	retryTimer     *time.Timer
}

// New creates a coordinator for the given conversation and starts its
// worker. conversationID may be empty for a not-yet-created conversation;
// the first successful send creates and binds one.
func New(q *queue.PendingQueue, cc *cache.Cache, t transport.Transport, conversationID string, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		queue:          q,
		cache:          cc,
		transport:      t,
		opts:           opts.withDefaults(),
		requests:       make(chan request, requestBuffer),
		events:         make(chan Event, eventBuffer),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		conversationID: conversationID,
	}
	go c.run()
	return c
}

// Events returns the subscriber channel. It is closed by Close.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// ConversationID returns the bound conversation id, or "" if none yet.
func (c *Coordinator) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Halted reports whether delivery stopped after a credential rejection.
func (c *Coordinator) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// IsBusy reports whether an attempt is in flight.
func (c *Coordinator) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempting
}

// Close stops the worker, cancels any in-flight attempt and closes the
// event channel. An attempt interrupted here leaves its queue entry in
// SENDING, which stays eligible on the next start.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	c.cancel()
	<-c.done
	close(c.events)
	return nil
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// Send submits user text for delivery. When the coordinator is idle, the
// backend looks reachable and nothing older is waiting, the attempt is
// dispatched immediately and 0 is returned. Otherwise the text is admitted
// to the durable queue and its queue id is returned.
func (c *Coordinator) Send(text string) (int64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	convID := c.conversationID
	idle := !c.attempting && !c.halted
	c.mu.Unlock()

	if idle && c.transport.Reachable() {
		// Immediate dispatch would jump ahead of older queued entries,
		// so it is only taken when the queue is clear for this target.
		ahead, err := c.queue.NextPendingForConversation(convID)
		if err == nil && ahead == nil {
			c.mu.Lock()
			if !c.attempting && !c.closed {
				c.attempting = true
				c.mu.Unlock()
				c.post(request{kind: reqSend, text: text})
				return 0, nil
			}
			c.mu.Unlock()
		}
	}

	id, err := c.queue.Enqueue(text, convID)
	if err != nil {
		return 0, err
	}
	c.emitItemChanged(id)
	if !c.Halted() {
		c.post(request{kind: reqFlush})
	}
	return id, nil
}

// Retry puts a FAILED queue entry back into rotation with a fresh retry
// budget and kicks a flush. User-initiated, so it bypasses the delay.
func (c *Coordinator) Retry(queueID int64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if err := c.queue.ResetForManualRetry(queueID); err != nil {
		return err
	}
	c.emitItemChanged(queueID)
	c.post(request{kind: reqFlush})
	return nil
}

// Flush asks the worker to drain eligible queue entries. No-op while an
// attempt is in flight or the backend is unreachable.
func (c *Coordinator) Flush() {
	c.post(request{kind: reqFlush})
}

// OnConnectivityChanged notifies the coordinator of a connectivity
// transition. Regaining connectivity triggers a queue flush.
func (c *Coordinator) OnConnectivityChanged(online bool) {
	if online {
		c.post(request{kind: reqFlush})
	}
}

// LoadHistory asks the worker to refresh the conversation cache from the
// backend. Results arrive as an EventMessagesChanged; on failure the cache
// keeps serving whatever it already holds.
func (c *Coordinator) LoadHistory() {
	c.post(request{kind: reqLoadHistory})
}

// post hands a request to the worker, giving up if the coordinator shuts
// down first.
func (c *Coordinator) post(r request) {
	select {
	case c.requests <- r:
	case <-c.ctx.Done():
	}
}

// =============================================================================
// WORKER
// =============================================================================

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.requests:
			switch req.kind {
			case reqSend:
				c.handleSend(req.text)
			case reqFlush:
				c.handleFlush()
			case reqLoadHistory:
				c.handleLoadHistory()
			}
		}
	}
}

// handleSend runs an immediate (never queued) attempt. The attempting flag
// was reserved by Send.
func (c *Coordinator) handleSend(text string) {
	defer c.setAttempting(false)

	attempt := model.NewAttempt(c.ConversationID(), text, 0)
	if c.trySend(attempt) == outcomeDelivered {
		c.drainQueue()
	}
}

// handleFlush drains eligible queue entries, oldest first.
func (c *Coordinator) handleFlush() {
	c.mu.Lock()
	if c.attempting || c.halted {
		c.mu.Unlock()
		return
	}
	c.attempting = true
	c.mu.Unlock()
	defer c.setAttempting(false)

	c.drainQueue()
}

// drainQueue attempts queued entries one at a time until the queue is
// empty, an attempt does not succeed, or connectivity is gone.
func (c *Coordinator) drainQueue() {
	for {
		if c.Halted() || !c.transport.Reachable() {
			return
		}
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		item, err := c.queue.NextPendingForConversation(c.ConversationID())
		if err != nil {
			log.Printf("delivery: queue scan failed: %v", err)
			return
		}
		if item == nil {
			return
		}

		attempt := model.NewAttempt(c.ConversationID(), item.Message, item.ID)
		if c.trySend(attempt) != outcomeDelivered {
			return
		}
	}
}

// handleLoadHistory replaces the cached history with the backend's
// authoritative copy. Connectivity failures are logged and the cache keeps
// serving; a credential rejection halts delivery.
func (c *Coordinator) handleLoadHistory() {
	convID := c.ConversationID()
	if convID == "" {
		return
	}

	remote, err := c.transport.FetchMessages(c.ctx, convID)
	if err != nil {
		if transport.Classify(err) == transport.FailureUnauthorized {
			c.halt(err)
			return
		}
		log.Printf("delivery: history fetch for %s failed, serving cache: %v", convID, err)
		return
	}

	msgs := make([]model.CachedMessage, 0, len(remote))
	for _, m := range remote {
		msgs = append(msgs, model.CachedMessage{
			ConversationID: convID,
			MessageID:      m.ID,
			Role:           model.Role(m.Role),
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
		})
	}
	if err := c.cache.ReplaceMessages(convID, msgs); err != nil {
		log.Printf("delivery: history cache replace for %s failed: %v", convID, err)
		return
	}
	c.emitEvent(Event{Kind: EventMessagesChanged, ConversationID: convID})
}

// =============================================================================
// ATTEMPT EXECUTION
// =============================================================================

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRequeued
	outcomeFailed
	outcomeHalted
)

// trySend executes one delivery attempt end to end: ensure a conversation
// exists, stream the exchange, persist the confirmed result.
func (c *Coordinator) trySend(attempt *model.DeliveryAttempt) outcome {
	if attempt.ConversationID == "" {
		id, err := c.transport.CreateConversation(c.ctx)
		if err != nil {
			return c.handleFailure(attempt, err)
		}
		c.bindConversation(id)
		attempt.ConversationID = id
		if _, err := c.queue.AssignConversationForUnbound(id); err != nil {
			log.Printf("delivery: rebinding unbound entries to %s failed: %v", id, err)
		}
		now := time.Now()
		if err := c.cache.UpsertConversation(model.Conversation{ID: id, CreatedAt: now, UpdatedAt: now}); err != nil {
			log.Printf("delivery: caching new conversation %s failed: %v", id, err)
		}
	}

	if attempt.FromQueue() {
		if err := c.queue.MarkSending(attempt.QueueID); err != nil {
			log.Printf("delivery: marking %d sending failed: %v", attempt.QueueID, err)
		}
		c.emitItemChanged(attempt.QueueID)
	}

	coal := coalesce.New(c.opts.UpdateInterval, func(partial string) {
		c.emitEvent(Event{Kind: EventPartial, ConversationID: attempt.ConversationID, Partial: partial})
	})
	defer coal.Stop()

	scanner, body, err := c.transport.StreamChat(c.ctx, attempt.ConversationID, attempt.Message)
	if err != nil {
		return c.handleFailure(attempt, err)
	}
	defer body.Close()

	for {
		ev, err := scanner.Next()
		if err != nil {
			return c.handleFailure(attempt, err)
		}
		if ev.Done {
			return c.confirm(attempt, ev)
		}
		attempt.Accumulate(ev.Delta)
		coal.Publish(attempt.Partial())
	}
}

// confirm persists a completed exchange: both sides merged into the cache,
// the originating queue entry removed.
func (c *Coordinator) confirm(attempt *model.DeliveryAttempt, final stream.Event) outcome {
	now := time.Now()
	exchange := []model.CachedMessage{
		{
			ConversationID: attempt.ConversationID,
			Role:           model.RoleUser,
			Content:        attempt.Message,
			CreatedAt:      now,
		},
		{
			ConversationID: attempt.ConversationID,
			MessageID:      final.MessageID,
			Role:           model.RoleAssistant,
			Content:        final.Content,
			CreatedAt:      now,
		},
	}
	if err := c.cache.UpsertMessages(attempt.ConversationID, exchange); err != nil {
		log.Printf("delivery: caching confirmed exchange failed: %v", err)
	}

	if attempt.FromQueue() {
		if err := c.queue.Remove(attempt.QueueID); err != nil {
			log.Printf("delivery: removing delivered entry %d failed: %v", attempt.QueueID, err)
		}
		// Status is left zero on the removal notification.
		c.emitEvent(Event{
			Kind:           EventQueueItemChanged,
			ConversationID: attempt.ConversationID,
			Item:           &model.PendingMessage{ID: attempt.QueueID, ConversationID: attempt.ConversationID},
		})
	}

	c.emitEvent(Event{Kind: EventMessagesChanged, ConversationID: attempt.ConversationID})
	return outcomeDelivered
}

// handleFailure applies the failure policy for a broken attempt.
func (c *Coordinator) handleFailure(attempt *model.DeliveryAttempt, err error) outcome {
	class := transport.Classify(err)
	log.Printf("delivery: attempt %s failed (%s): %v", attempt.AttemptID, class, err)

	switch class {
	case transport.FailureUnauthorized:
		if attempt.FromQueue() {
			if qerr := c.queue.MarkPending(attempt.QueueID); qerr != nil {
				log.Printf("delivery: parking %d after auth failure failed: %v", attempt.QueueID, qerr)
			}
			c.emitItemChanged(attempt.QueueID)
		} else if id, qerr := c.queue.Enqueue(attempt.Message, attempt.ConversationID); qerr != nil {
			log.Printf("delivery: preserving message after auth failure failed: %v", qerr)
		} else {
			c.emitItemChanged(id)
		}
		c.halt(err)
		return outcomeHalted

	case transport.FailureOffline:
		if !attempt.FromQueue() {
			id, qerr := c.queue.Enqueue(attempt.Message, attempt.ConversationID)
			if qerr != nil {
				log.Printf("delivery: queueing message after connectivity failure failed: %v", qerr)
				return outcomeFailed
			}
			c.emitItemChanged(id)
			c.scheduleRetry()
			return outcomeRequeued
		}

		count, rerr := c.queue.IncrementRetry(attempt.QueueID)
		if rerr != nil {
			log.Printf("delivery: retry accounting for %d failed: %v", attempt.QueueID, rerr)
			return outcomeFailed
		}
		if count >= c.opts.RetryCeiling {
			if qerr := c.queue.MarkFailed(attempt.QueueID); qerr != nil {
				log.Printf("delivery: parking %d as failed: %v", attempt.QueueID, qerr)
			}
			c.emitItemChanged(attempt.QueueID)
			return outcomeFailed
		}
		if qerr := c.queue.MarkPending(attempt.QueueID); qerr != nil {
			log.Printf("delivery: re-parking %d as pending: %v", attempt.QueueID, qerr)
		}
		c.emitItemChanged(attempt.QueueID)
		c.scheduleRetry()
		return outcomeRequeued

	default:
		// Protocol and storage failures do not retry automatically;
		// partial output is surfaced so nothing the user saw is lost,
		// and the message is parked for manual retry.
		if attempt.FromQueue() {
			if qerr := c.queue.MarkFailed(attempt.QueueID); qerr != nil {
				log.Printf("delivery: parking %d after protocol failure failed: %v", attempt.QueueID, qerr)
			}
			c.emitItemChanged(attempt.QueueID)
		} else if id, qerr := c.queue.Enqueue(attempt.Message, attempt.ConversationID); qerr != nil {
			log.Printf("delivery: preserving message after protocol failure failed: %v", qerr)
		} else {
			if qerr := c.queue.MarkFailed(id); qerr != nil {
				log.Printf("delivery: parking %d after protocol failure failed: %v", id, qerr)
			}
			c.emitItemChanged(id)
		}
		c.emitEvent(Event{
			Kind:           EventInterrupted,
			ConversationID: attempt.ConversationID,
			Partial:        attempt.Partial(),
			Err:            err,
		})
		return outcomeFailed
	}
}

// =============================================================================
// INTERNAL STATE
// =============================================================================

func (c *Coordinator) setAttempting(v bool) {
	c.mu.Lock()
	c.attempting = v
	c.mu.Unlock()
}

func (c *Coordinator) bindConversation(id string) {
	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()
}

// halt stops all automatic delivery until a new session is constructed
// with a fresh credential.
func (c *Coordinator) halt(err error) {
	c.mu.Lock()
	already := c.halted
	c.halted = true
	c.mu.Unlock()
	if !already {
		c.emitEvent(Event{Kind: EventHalted, Err: err})
	}
}

// scheduleRetry arms the fixed-delay flush after a connectivity failure.
func (c *Coordinator) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(c.opts.RetryDelay, func() {
		c.post(request{kind: reqFlush})
	})
}

// emitItemChanged reads the entry's current state and notifies subscribers.
func (c *Coordinator) emitItemChanged(id int64) {
	item, err := c.queue.Get(id)
	if err != nil {
		log.Printf("delivery: reading entry %d for notification failed: %v", id, err)
		return
	}
	c.emitEvent(Event{Kind: EventQueueItemChanged, ConversationID: item.ConversationID, Item: item})
}
