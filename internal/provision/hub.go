package provision

import "sync"

// Hub fans status updates out to subscribers. Slow subscribers lose
// intermediate updates but always see the latest one.
type Hub struct {
	sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscription receives every status published after it was created.
type Subscription struct {
	hub       *Hub
	closeOnce sync.Once
	c         chan Status
}

func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{hub: h, c: make(chan Status, 16)}
	h.Lock()
	h.subs[sub] = struct{}{}
	h.Unlock()
	return sub
}

func (h *Hub) Publish(s Status) {
	h.RLock()
	defer h.RUnlock()
	for sub := range h.subs {
		select {
		case sub.c <- s:
		default:
			// drop the oldest queued update to make room
			select {
			case <-sub.c:
			default:
			}
			select {
			case sub.c <- s:
			default:
			}
		}
	}
}

// Updates is provided for use in select statements.
func (sub *Subscription) Updates() <-chan Status {
	return sub.c
}

func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		sub.hub.Lock()
		delete(sub.hub.subs, sub)
		sub.hub.Unlock()
	})
}
