package oauth

import "sync"

// EventKind identifies a token lifecycle transition.
type EventKind int

const (
	// EventAcquired fires after a client-credentials token is obtained.
	EventAcquired EventKind = iota
	// EventAuthorized fires after an authorization code was exchanged.
	EventAuthorized
	// EventRefreshed fires after a refresh-token grant succeeded.
	EventRefreshed
	// EventCleared fires when both tokens were dropped after a rejected refresh.
	EventCleared
)

func (k EventKind) String() string {
	switch k {
	case EventAcquired:
		return "acquired"
	case EventAuthorized:
		return "authorized"
	case EventRefreshed:
		return "refreshed"
	case EventCleared:
		return "cleared"
	}
	return "unknown"
}

type Event struct {
	Identity string
	Kind     EventKind
}

type bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func (b *bus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = map[int]chan Event{}
	}
	id := b.next
	b.next++
	ch := make(chan Event, 8)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// publish never blocks; a subscriber with a full buffer misses the event.
func (b *bus) publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}
