package api

import "sync"

// hub fans station change notifications out to event stream subscribers.
// Every subscriber channel holds at most the latest unread version.
type hub struct {
	mu   sync.Mutex
	subs map[chan uint64]struct{}
	done chan struct{}
}

func newHub() *hub {
	return &hub{
		subs: make(map[chan uint64]struct{}),
		done: make(chan struct{}),
	}
}

func (h *hub) subscribe() chan uint64 {
	ch := make(chan uint64, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan uint64) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// run forwards changes until stop is closed or changes is closed, then closes done.
func (h *hub) run(changes <-chan uint64, stop <-chan struct{}) {
	defer close(h.done)
	for {
		select {
		case <-stop:
			return
		case v, ok := <-changes:
			if !ok {
				return
			}
			h.broadcast(v)
		}
	}
}

func (h *hub) broadcast(v uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}
