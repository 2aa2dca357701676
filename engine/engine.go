// Package engine hosts protocol engine drivers. Drivers register at
// link time, the way database/sql drivers do, and the gateway opens the
// one named in its configuration. The wire protocol itself lives in the
// drivers; the gateway only consumes typed callbacks.
package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/protocol"
)

// Deps carries the gateway services a driver may call back into.
// Messages resolves stored records by protocol id, for edit and
// poll-aggregate resolution. History decides whether a connecting
// session should request the full history batch. Either may be nil;
// drivers treat a nil service as "not offered".
type Deps struct {
	Logger   *slog.Logger
	Messages protocol.MessageLookup
	History  protocol.HistorySyncPolicy
}

// Factory builds one engine instance for the process.
type Factory func(deps Deps) (protocol.Engine, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// Register makes a driver available under name. It panics on a
// duplicate name, which indicates a wiring bug at link time.
func Register(name string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if name == "" || factory == nil {
		panic("engine: Register with empty name or nil factory")
	}
	if _, dup := drivers[name]; dup {
		panic("engine: Register called twice for driver " + name)
	}
	drivers[name] = factory
}

// Open builds the named engine driver, handing it the gateway services
// it may call back into.
func Open(name string, deps Deps) (protocol.Engine, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "engine", "Open",
			fmt.Sprintf("unknown driver %q (registered: %v)", name, Drivers()))
	}
	return factory(deps)
}

// Drivers lists the registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
