package service

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Dispatcher executes a query against the backing data platform on behalf of a
// capability.
type Dispatcher interface {
	Dispatch(ctx context.Context, capability, query string, context map[string]any) (any, error)
}

// DispatcherFunc adapts a plain function to Dispatcher.
type DispatcherFunc func(ctx context.Context, capability, query string, context map[string]any) (any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, capability, query string, context map[string]any) (any, error) {
	return f(ctx, capability, query, context)
}

// Catalog maps capability names to dispatchers. It is built at startup and read
// concurrently during runs.
type Catalog struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

func NewCatalog() *Catalog {
	return &Catalog{dispatchers: make(map[string]Dispatcher)}
}

// Register binds capability to d. Registering the same capability twice is an error.
func (c *Catalog) Register(capability string, d Dispatcher) error {
	if capability == "" {
		return errors.New("capability name must not be empty")
	}
	if d == nil {
		return errors.Errorf("dispatcher for capability '%s' must not be nil", capability)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.dispatchers[capability]; exists {
		return errors.Errorf("capability '%s' already registered", capability)
	}
	c.dispatchers[capability] = d
	return nil
}

// Resolve returns the dispatcher bound to capability.
func (c *Catalog) Resolve(capability string) (Dispatcher, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.dispatchers[capability]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCapability, "capability '%s'", capability)
	}
	return d, nil
}

// Capabilities returns the registered capability names, sorted.
func (c *Catalog) Capabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.dispatchers))
	for name := range c.dispatchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
