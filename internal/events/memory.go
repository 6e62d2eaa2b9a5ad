package events

import (
	"context"
	"sync"

	"github.com/kranthikarthan/payment-saga/internal/saga"
)

// MemoryPublisher records events in order. Used by tests and local runs.
type MemoryPublisher struct {
	mu        sync.Mutex
	published []saga.Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, ev saga.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, ev)
}

func (p *MemoryPublisher) Published() []saga.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]saga.Event, len(p.published))
	copy(out, p.published)
	return out
}

func (p *MemoryPublisher) Types() []saga.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]saga.EventType, 0, len(p.published))
	for _, ev := range p.published {
		out = append(out, ev.Type)
	}
	return out
}
