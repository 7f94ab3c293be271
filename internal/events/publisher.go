package events

import (
	"context"
	"sync"

	"github.com/taskflow/orchestrator/internal/model"
)

// Publisher delivers scheduler lifecycle events
type Publisher interface {
	Publish(ctx context.Context, event *model.Event) error
}

// NopPublisher drops every event
type NopPublisher struct{}

// Publish implements Publisher
func (NopPublisher) Publish(context.Context, *model.Event) error {
	return nil
}

// MemoryPublisher records events in memory
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*model.Event
}

// Publish implements Publisher
func (p *MemoryPublisher) Publish(_ context.Context, event *model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns the recorded events in publish order
func (p *MemoryPublisher) Events() []*model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.Event(nil), p.events...)
}

// Types returns the recorded event types in publish order
func (p *MemoryPublisher) Types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]model.EventType, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}
