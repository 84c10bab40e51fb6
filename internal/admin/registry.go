package admin

import (
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/gadgetlink/internal/link"
)

// Registry holds the links an admin server reports on, by name.
type Registry struct {
	mu    sync.RWMutex
	links map[string]*link.Conn
}

func NewRegistry() *Registry {
	return &Registry{
		links: make(map[string]*link.Conn),
	}
}

func (r *Registry) Register(name string, conn *link.Conn) {
	key := strings.TrimSpace(name)
	if key == "" || conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[key] = conn
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, strings.TrimSpace(name))
}

func (r *Registry) Get(name string) (*link.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.links[strings.TrimSpace(name)]
	return conn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.links))
	for name := range r.links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}
