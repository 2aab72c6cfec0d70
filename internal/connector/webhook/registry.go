package webhook

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// Registry routes inbound deliveries to the webhook connector that owns
// the request path. The API server mounts one registry; connectors come
// and go underneath it without touching the router.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]*Webhook
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]*Webhook)}
}

// ServeHTTP dispatches by exact path match. Unknown paths 404 so probes
// cannot tell configured-but-stopped hooks from absent ones.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	h, ok := r.routes[req.URL.Path]
	r.mu.RUnlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	h.ServeHTTP(w, req)
}

// Paths lists the registered webhook paths, sorted.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.routes))
	for p := range r.routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (r *Registry) register(path string, h *Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.routes[path]; ok && cur != h {
		return fmt.Errorf("webhook: path %s already registered to %s", path, cur.Name())
	}
	r.routes[path] = h
	return nil
}

func (r *Registry) deregister(path string, h *Webhook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.routes[path]; ok && cur == h {
		delete(r.routes, path)
	}
}
