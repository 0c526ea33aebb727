package sim

import (
	"net/http"
	"sync"
)

// faults answers the next n requests to a route with a fixed status.
type faults struct {
	mu    sync.Mutex
	plans map[string]*faultPlan
}

type faultPlan struct {
	remaining int
	status    int
}

func (f *faults) set(route string, n, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.plans == nil {
		f.plans = make(map[string]*faultPlan)
	}
	f.plans[route] = &faultPlan{remaining: n, status: status}
}

// take reports the status to fail with, or 0 to serve normally.
func (f *faults) take(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.plans[route]
	if p == nil || p.remaining == 0 {
		return 0
	}
	p.remaining--
	return p.status
}

func (f *faults) middleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status := f.take(route); status != 0 {
			w.WriteHeader(status)
			return
		}
		next(w, r)
	}
}
