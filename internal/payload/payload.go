// Package payload holds child programs that run inside the supervisor's own
// process. They are selected by image name through the inproc scheduler and
// see nothing but their label and a session opener.
package payload

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Paintersrp/warden/internal/broker"
	"github.com/Paintersrp/warden/internal/image"
)

// Env is everything a payload is given.
type Env struct {
	Label    string
	Image    image.Image
	Sessions broker.Opener
}

// Func is a payload entry point. It returns when the payload is done or ctx
// is cancelled.
type Func func(ctx context.Context, env Env) error

var (
	mu       sync.RWMutex
	payloads = map[string]Func{}
)

// Register makes fn available under name. Registering a name twice replaces
// the earlier entry.
func Register(name string, fn Func) {
	if name == "" {
		panic("payload.Register: name must not be empty")
	}
	if fn == nil {
		panic("payload.Register: func must not be nil")
	}
	mu.Lock()
	defer mu.Unlock()
	payloads[name] = fn
}

// Lookup returns the payload registered under name.
func Lookup(name string) (Func, error) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := payloads[name]
	if !ok {
		return nil, fmt.Errorf("payload %q: %w", name, image.ErrNotFound)
	}
	return fn, nil
}

// Names returns every registered payload name in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(payloads))
	for name := range payloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Images returns a store exposing every registered payload as an image.
func Images() *image.MemStore {
	store := image.NewMemStore()
	for _, name := range Names() {
		store.Add(image.Image{Name: name})
	}
	return store
}
