// Package sessionflow serializes requests within a conversation while
// letting different conversations run in parallel on a bounded worker
// pool. It is the outer concurrency discipline of the core.
package sessionflow

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/switchboard/pkg/module"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

const DefaultConcurrencyLimit = 10

// Runner executes one request end to end. The session-flow controller
// does not interpret payloads.
type Runner func(ctx context.Context, pctx *pipeline.Context, payload any) (any, error)

type outcome struct {
	value any
	err   error
}

// Future resolves to one request's reply or error.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result outcome
	cancel context.CancelFunc
}

func newFuture(cancel context.CancelFunc) *Future {
	return &Future{done: make(chan struct{}), cancel: cancel}
}

func (f *Future) complete(value any, err error) {
	f.once.Do(func() {
		f.result = outcome{value: value, err: err}
		close(f.done)
	})
}

// Cancel aborts the request. A queued request is dropped before dispatch;
// an in-flight one has its context cancelled.
func (f *Future) Cancel() {
	f.cancel()
}

// Get blocks until the request resolves or ctx expires.
func (f *Future) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result.value, f.result.err
	case <-ctx.Done():
		return nil, relayerror.AsError(ctx.Err())
	}
}

type work struct {
	ctx     context.Context
	pctx    *pipeline.Context
	payload any
	future  *Future
}

type conversation struct {
	queue []*work
	busy  bool
}

// Controller owns the per-conversation FIFOs and the shared worker pool.
type Controller struct {
	*module.Base
	runner Runner
	pool   *semaphore.Weighted

	mu            sync.Mutex
	conversations map[string]*conversation
}

func NewController(id string, runner Runner, concurrencyLimit int) *Controller {
	if concurrencyLimit <= 0 {
		concurrencyLimit = DefaultConcurrencyLimit
	}
	return &Controller{
		Base:          module.NewBase(id, "session-flow", module.TypeSessionFlow),
		runner:        runner,
		pool:          semaphore.NewWeighted(int64(concurrencyLimit)),
		conversations: make(map[string]*conversation),
	}
}

// Submit enqueues one request for its conversation. The head of an idle
// conversation dispatches immediately; everything else waits its turn.
func (c *Controller) Submit(ctx context.Context, sessionKey, conversationKey string, payload any) *Future {
	reqCtx, cancel := context.WithCancel(ctx)
	future := newFuture(cancel)
	w := &work{
		ctx:     reqCtx,
		pctx:    pipeline.NewContext(sessionKey, conversationKey),
		payload: payload,
		future:  future,
	}

	if c.Status() != module.StatusRunning {
		future.complete(nil, relayerror.New(relayerror.TypeModuleNotRunning,
			"session-flow controller is not running").WithModule(c.ID()))
		return future
	}

	c.mu.Lock()
	conv := c.conversations[conversationKey]
	if conv == nil {
		conv = &conversation{}
		c.conversations[conversationKey] = conv
	}
	if conv.busy {
		conv.queue = append(conv.queue, w)
		c.mu.Unlock()
		return future
	}
	conv.busy = true
	c.mu.Unlock()

	go c.run(conversationKey, w)
	return future
}

func (c *Controller) run(conversationKey string, w *work) {
	c.execute(w)
	c.advance(conversationKey)
}

func (c *Controller) execute(w *work) {
	// A request cancelled while queued never runs.
	if err := w.ctx.Err(); err != nil {
		w.future.complete(nil, relayerror.Wrap(relayerror.TypeCancelled,
			"request cancelled before dispatch", err))
		return
	}

	if err := c.pool.Acquire(w.ctx, 1); err != nil {
		w.future.complete(nil, relayerror.Wrap(relayerror.TypeCancelled,
			"request cancelled while waiting for a worker", err))
		return
	}
	defer c.pool.Release(1)

	value, err := c.runner(w.ctx, w.pctx, w.payload)
	if err != nil {
		w.future.complete(nil, relayerror.AsError(err))
		return
	}
	w.future.complete(value, nil)
}

// advance dequeues the next request for the conversation, skipping any
// that were cancelled while queued, and clears the busy flag when the
// queue drains.
func (c *Controller) advance(conversationKey string) {
	for {
		c.mu.Lock()
		conv := c.conversations[conversationKey]
		if conv == nil || len(conv.queue) == 0 {
			if conv != nil {
				conv.busy = false
				delete(c.conversations, conversationKey)
			}
			c.mu.Unlock()
			return
		}
		next := conv.queue[0]
		conv.queue = conv.queue[1:]
		c.mu.Unlock()

		if next.ctx.Err() != nil {
			next.future.complete(nil, relayerror.Wrap(relayerror.TypeCancelled,
				"request cancelled before dispatch", next.ctx.Err()))
			continue
		}

		go c.run(conversationKey, next)
		return
	}
}

// QueueDepth reports the number of waiting requests for a conversation.
func (c *Controller) QueueDepth(conversationKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv := c.conversations[conversationKey]; conv != nil {
		return len(conv.queue)
	}
	return 0
}
