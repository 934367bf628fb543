package function

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/polyhost/internal/protocol"
)

// Descriptor identifies one registrable unit of work. It is read-only once built.
type Descriptor struct {
	ID         string // stable id, see StableID
	Name       string // display name
	Runtime    string // runtime the function must execute under
	ScriptFile string // absolute path to the script
	Directory  string // directory holding the manifest
}

// StableID derives a function id from its name and script path.
// The same function always maps to the same id across host restarts.
func StableID(name, scriptFile string) string {
	sum := blake3.Sum256([]byte(name + "\x00" + filepath.Clean(scriptFile)))
	return hex.EncodeToString(sum[:8])
}

// Metadata converts the descriptor into the load request payload.
func (d *Descriptor) Metadata() protocol.FunctionMetadata {
	return protocol.FunctionMetadata{
		Name:       d.Name,
		ScriptFile: d.ScriptFile,
		Directory:  d.Directory,
		Runtime:    d.Runtime,
	}
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s (%s, %s)", d.Name, d.ID, d.Runtime)
}

// RuntimeResolver maps a script extension onto a runtime name.
type RuntimeResolver func(ext string) (string, bool)

// Registry holds descriptors indexed by id. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]*Descriptor
	byName    map[string]string
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{
		functions: make(map[string]*Descriptor),
		byName:    make(map[string]string),
	}
}

// Get retrieves a function by id.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.functions[id]
	return d, ok
}

// Lookup retrieves a function by id or, failing that, by display name.
func (r *Registry) Lookup(idOrName string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.functions[idOrName]; ok {
		return d, true
	}
	if id, ok := r.byName[strings.ToLower(idOrName)]; ok {
		return r.functions[id], true
	}
	return nil, false
}

// All returns a snapshot of all registered functions.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.functions))
	for _, d := range r.functions {
		out = append(out, d)
	}
	return out
}

// Add registers a function.
func (r *Registry) Add(d *Descriptor) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("function id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.functions[d.ID]; exists {
		return fmt.Errorf("function %q already registered", d.ID)
	}
	key := strings.ToLower(d.Name)
	if other, exists := r.byName[key]; exists {
		return fmt.Errorf("function name %q already used by %s", d.Name, other)
	}
	r.functions[d.ID] = d
	r.byName[key] = d.ID
	return nil
}
