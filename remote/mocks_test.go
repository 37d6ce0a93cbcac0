package remote

import (
	"sync"

	"github.com/opd-ai/ephemera/messaging"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []messaging.ChangeEvent
}

func (p *recordingPublisher) Publish(e messaging.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) snapshot() []messaging.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]messaging.ChangeEvent(nil), p.events...)
}
