package actuator

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrUnknownActuator is returned by Registry.Get for a name nothing was
	// registered under.
	ErrUnknownActuator = errors.New("unknown actuator")
	// ErrActuatorExists is returned by Registry.Register for a name already taken.
	ErrActuatorExists = errors.New("actuator already registered")
)

// Registry holds the results-entry backends the bridge can be configured
// with, keyed by the name used in delivery.actuator. Names are matched
// case-insensitively.
type Registry struct {
	mu        sync.RWMutex
	actuators map[string]Actuator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actuators: make(map[string]Actuator)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register makes a available as name.
func (r *Registry) Register(name string, a Actuator) error {
	key := normalizeName(name)
	if key == "" {
		return errors.New("actuator name is required")
	}
	if a == nil {
		return fmt.Errorf("actuator %q is nil", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actuators[key]; exists {
		return fmt.Errorf("%w: %q", ErrActuatorExists, key)
	}
	r.actuators[key] = a
	return nil
}

// Get returns the actuator configured as name. The error of an unknown name
// lists what is available so a typo in the config is easy to spot.
func (r *Registry) Get(name string) (Actuator, error) {
	r.mu.RLock()
	a, ok := r.actuators[normalizeName(name)]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}
	available := "none"
	if names := r.Names(); len(names) > 0 {
		available = strings.Join(names, ", ")
	}
	return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownActuator, name, available)
}

// Names returns all registered actuator names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actuators))
	for k := range r.actuators {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
