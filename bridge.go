package main

import (
	"context"
	"sync"
	"time"
)

// regionState tracks one content region instance. attached goes true at most
// once; a rebuilt region gets a fresh state.
type regionState struct {
	id        string
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	attached  bool
}

func newRegionState(id string) *regionState {
	return &regionState{id: id, ready: make(chan struct{}), done: make(chan struct{})}
}

func (rs *regionState) markReady() {
	rs.readyOnce.Do(func() { close(rs.ready) })
}

// EventBridge wires the "route-to" action into each rebuilt content region
// once the region reports that its document is ready
type EventBridge struct {
	mu           sync.Mutex
	current      *regionState
	pendingReady string

	base             context.Context
	regions          ContentRegions
	scene            Scene
	reconciler       *Reconciler
	routes           *RouteOverlayManager
	signer           *RouteTokenSigner
	pool             *WorkerPool
	readinessTimeout time.Duration
	wg               sync.WaitGroup
}

func NewEventBridge(base context.Context, regions ContentRegions, scene Scene, reconciler *Reconciler, routes *RouteOverlayManager, signer *RouteTokenSigner, pool *WorkerPool, readinessTimeout time.Duration) *EventBridge {
	return &EventBridge{
		base:             base,
		regions:          regions,
		scene:            scene,
		reconciler:       reconciler,
		routes:           routes,
		signer:           signer,
		pool:             pool,
		readinessTimeout: readinessTimeout,
	}
}

// SelectionChanged reacts to a selection transition. nil means the selection
// became empty.
func (b *EventBridge) SelectionChanged(sel *Selection) {
	b.mu.Lock()
	if b.current != nil {
		close(b.current.done)
		b.current = nil
	}

	if sel == nil {
		b.pendingReady = ""
		b.mu.Unlock()
		if _, err := b.reconciler.Clear(b.base, CategoryPOIMarker); err != nil {
			GetLogger().WithContext(b.base).WithError(err).Warn("Failed to clear nearby place markers")
		}
		b.routes.Clear(b.base)
		return
	}

	rs := newRegionState(sel.RegionID)
	if b.pendingReady == sel.RegionID {
		rs.markReady()
	}
	b.pendingReady = ""
	b.current = rs
	b.wg.Add(1)
	b.mu.Unlock()

	go b.awaitReady(rs)
}

// SignalReady records the one-time readiness event of a content region.
// Repeated or stale signals are ignored.
func (b *EventBridge) SignalReady(regionID string) {
	b.mu.Lock()
	rs := b.current
	if rs == nil || rs.id != regionID {
		// the region may report ready before its selection transition lands
		b.pendingReady = regionID
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	rs.markReady()
}

func (b *EventBridge) awaitReady(rs *regionState) {
	defer b.wg.Done()

	timer := time.NewTimer(b.readinessTimeout)
	defer timer.Stop()

	select {
	case <-rs.ready:
		b.attach(rs)
	case <-rs.done:
	case <-b.base.Done():
	case <-timer.C:
		GetLogger().WithContext(b.base).WithFields(LogFields{
			"region_id": rs.id,
			"timeout":   b.readinessTimeout.String(),
		}).Warn("Content region never signaled ready, route action unavailable")
		if mc := GetMetricsCollector(); mc != nil {
			mc.RecordBridgeAttachment("timeout")
		}
	}
}

func (b *EventBridge) attach(rs *regionState) {
	mc := GetMetricsCollector()

	b.mu.Lock()
	if b.current != rs || rs.attached {
		b.mu.Unlock()
		if mc != nil {
			mc.RecordBridgeAttachment("skipped")
		}
		return
	}
	rs.attached = true
	b.mu.Unlock()

	if err := b.regions.AttachDelegate(rs.id, RouteAction, b.routeHandler(rs.id)); err != nil {
		b.mu.Lock()
		if b.current == rs {
			rs.attached = false
		}
		b.mu.Unlock()
		GetLogger().WithContext(b.base).WithError(err).WithFields(LogFields{"region_id": rs.id}).Warn("Failed to attach route action")
		if mc != nil {
			mc.RecordBridgeAttachment("failed")
		}
		return
	}
	if mc != nil {
		mc.RecordBridgeAttachment("attached")
	}
}

// routeHandler is the delegated "route-to" handler of one region instance
func (b *EventBridge) routeHandler(regionID string) RegionActionHandler {
	return func(ctx context.Context, attrs map[string]string) {
		if !b.IsCurrent(regionID) {
			return
		}

		dest, err := destinationFromAttrs(b.signer, regionID, attrs)
		if err != nil {
			GetLogger().WithContext(ctx).WithError(err).Warn("Rejected route action")
			b.scene.Notify(Notice{Level: NoticeWarning, Source: "route", Message: "That destination cannot be routed to."})
			return
		}

		job := func() {
			if err := b.routes.RequestRoute(b.base, dest); err != nil {
				GetLogger().WithContext(b.base).WithError(err).Debug("Route request finished with error")
			}
		}
		if b.pool == nil {
			go job()
			return
		}
		if !b.pool.Submit(job) {
			b.scene.Notify(Notice{Level: NoticeWarning, Source: "route", Message: "Route service is busy, try again."})
		}
	}
}

// IsCurrent reports whether regionID is the live content region
func (b *EventBridge) IsCurrent(regionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil && b.current.id == regionID
}

// Attached reports whether the live region regionID has its handler
func (b *EventBridge) Attached(regionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil && b.current.id == regionID && b.current.attached
}

// Close tears down the live region and waits for pending readiness waits
func (b *EventBridge) Close() {
	b.mu.Lock()
	if b.current != nil {
		close(b.current.done)
		b.current = nil
	}
	b.mu.Unlock()
	b.wg.Wait()
}
