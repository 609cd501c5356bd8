package hypstar

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shaunagostinho/hypstar-go/internal/transport"
)

// OpenFunc opens a session. Open is the default.
type OpenFunc func(cfg transport.Config, opts ...Option) (*Driver, error)

// Registry keeps at most one live Driver per port. It is safe for
// concurrent use; the drivers it hands out are not.
type Registry struct {
	mu       sync.Mutex
	open     OpenFunc
	opts     []Option
	sessions map[string]*Driver
}

// NewRegistry returns an empty registry. open may be nil. opts are applied
// to every session it opens.
func NewRegistry(open OpenFunc, opts ...Option) *Registry {
	if open == nil {
		open = Open
	}
	return &Registry{open: open, opts: opts, sessions: map[string]*Driver{}}
}

// Open returns the session for cfg.PortPath, opening it if needed.
func (r *Registry) Open(cfg transport.Config) (*Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.sessions[cfg.PortPath]; ok {
		return d, nil
	}
	d, err := r.open(cfg, r.opts...)
	if err != nil {
		return nil, err
	}
	r.sessions[cfg.PortPath] = d
	return d, nil
}

// Get returns the live session for port.
func (r *Registry) Get(port string) (*Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.sessions[port]
	return d, ok
}

// Close closes and forgets the session for port.
func (r *Registry) Close(port string) error {
	r.mu.Lock()
	d, ok := r.sessions[port]
	delete(r.sessions, port)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("hypstar: no session on %s", port)
	}
	return d.Close()
}

// CloseAll closes every session.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[string]*Driver{}
	r.mu.Unlock()

	var errs []error
	for port, d := range sessions {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", port, err))
		}
	}
	return errors.Join(errs...)
}
