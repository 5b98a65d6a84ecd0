package listener

import (
	"context"
	"fmt"
	"sync"
)

// ConcurrencyController gates how many messages may be processed at once
// during replication acquisition (spec §4.4/§4.7). Acquire blocks (or
// queues) until the caller is allowed to process msg, and returns a
// release function the caller must call exactly once when done. Cancel
// aborts any pending acquisitions, unblocking Shutdown.
type ConcurrencyController interface {
	Acquire(ctx context.Context, msg *Message) (release func(), err error)
	Cancel()
}

// SequentialController processes every message one at a time, in
// acquisition order — the default controller. Completion order matches
// WAL order.
type SequentialController struct {
	mu     sync.Mutex
	cancel chan struct{}
	once   sync.Once
}

func NewSequentialController() *SequentialController {
	return &SequentialController{cancel: make(chan struct{})}
}

func (c *SequentialController) Acquire(ctx context.Context, _ *Message) (func(), error) {
	lockCh := make(chan struct{})
	go func() {
		c.mu.Lock()
		close(lockCh)
	}()
	select {
	case <-lockCh:
		return c.mu.Unlock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.cancel:
		return nil, fmt.Errorf("concurrency controller cancelled")
	}
}

func (c *SequentialController) Cancel() {
	c.once.Do(func() { close(c.cancel) })
}

// FullParallelController imposes no ordering or concurrency limit at all;
// every message proceeds immediately.
type FullParallelController struct{}

func NewFullParallelController() *FullParallelController { return &FullParallelController{} }

func (c *FullParallelController) Acquire(context.Context, *Message) (func(), error) {
	return func() {}, nil
}

func (c *FullParallelController) Cancel() {}

// SegmentMutexController serializes messages within the same segment but
// allows different segments to process in parallel.
type SegmentMutexController struct {
	mu       sync.Mutex
	segments map[string]*sync.Mutex
	cancel   chan struct{}
	once     sync.Once
}

func NewSegmentMutexController() *SegmentMutexController {
	return &SegmentMutexController{
		segments: make(map[string]*sync.Mutex),
		cancel:   make(chan struct{}),
	}
}

func (c *SegmentMutexController) segmentLock(segment string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.segments[segment]
	if !ok {
		m = &sync.Mutex{}
		c.segments[segment] = m
	}
	return m
}

func (c *SegmentMutexController) Acquire(ctx context.Context, msg *Message) (func(), error) {
	segMu := c.segmentLock(msg.EffectiveSegment())
	lockCh := make(chan struct{})
	go func() {
		segMu.Lock()
		close(lockCh)
	}()
	select {
	case <-lockCh:
		return segMu.Unlock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.cancel:
		return nil, fmt.Errorf("concurrency controller cancelled")
	}
}

func (c *SegmentMutexController) Cancel() {
	c.once.Do(func() { close(c.cancel) })
}

// SemaphoreController bounds the number of concurrently-processing
// messages to a configured parallelism, independent of segment.
type SemaphoreController struct {
	sem    chan struct{}
	cancel chan struct{}
	once   sync.Once
}

func NewSemaphoreController(parallelism int) *SemaphoreController {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &SemaphoreController{
		sem:    make(chan struct{}, parallelism),
		cancel: make(chan struct{}),
	}
}

func (c *SemaphoreController) Acquire(ctx context.Context, _ *Message) (func(), error) {
	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.cancel:
		return nil, fmt.Errorf("concurrency controller cancelled")
	}
}

func (c *SemaphoreController) Cancel() {
	c.once.Do(func() { close(c.cancel) })
}

// CompositeController selects a sub-controller by (aggregateType,
// messageType), falling back to a default when no specific mapping
// exists. This lets one listener mix sequential processing for some
// message types with parallel processing for others.
type CompositeController struct {
	byKey   map[HandlerKey]ConcurrencyController
	fallback ConcurrencyController
}

func NewCompositeController(byKey map[HandlerKey]ConcurrencyController, fallback ConcurrencyController) *CompositeController {
	if fallback == nil {
		fallback = NewSequentialController()
	}
	return &CompositeController{byKey: byKey, fallback: fallback}
}

func (c *CompositeController) controllerFor(msg *Message) ConcurrencyController {
	if ctl, ok := c.byKey[keyOf(msg)]; ok {
		return ctl
	}
	return c.fallback
}

func (c *CompositeController) Acquire(ctx context.Context, msg *Message) (func(), error) {
	return c.controllerFor(msg).Acquire(ctx, msg)
}

func (c *CompositeController) Cancel() {
	seen := make(map[ConcurrencyController]struct{})
	for _, ctl := range c.byKey {
		if _, ok := seen[ctl]; ok {
			continue
		}
		seen[ctl] = struct{}{}
		ctl.Cancel()
	}
	c.fallback.Cancel()
}
