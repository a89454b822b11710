package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/m4xw311/toolhub/errors"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Registration ties a descriptor to the owner that executes it.
type Registration struct {
	OwnerID    string     `json:"ownerId"`
	Descriptor Descriptor `json:"descriptor"`
}

type entry struct {
	Registration
	schema *gojsonschema.Schema
}

// Registry is the catalog of tools from every owner. Reads run concurrently;
// Register and Unregister are exclusive and atomic per owner.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*entry
	owners   map[string]Owner
	validate bool
	logger   *zap.Logger
}

type Option func(*Registry)

// WithInputValidation checks call input against each tool's parameter schema
// before the owner sees it.
func WithInputValidation(enabled bool) Option {
	return func(r *Registry) { r.validate = enabled }
}

func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		byName: make(map[string]*entry),
		owners: make(map[string]Owner),
		logger: logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds descs under ownerID. A name that is already registered, by
// this or another owner, is overwritten.
func (r *Registry) Register(ownerID string, owner Owner, descs []Descriptor) error {
	if ownerID == "" {
		return errors.New("owner id is required")
	}
	if owner == nil {
		return errors.New("owner %q has no executor", ownerID)
	}
	entries := make([]*entry, 0, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			return errors.New("owner %q registered a tool without a name", ownerID)
		}
		e := &entry{Registration: Registration{OwnerID: ownerID, Descriptor: d}}
		if r.validate && d.ParameterSchema != nil {
			s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.ParameterSchema))
			if err != nil {
				r.logger.Warn("ignoring invalid parameter schema", zap.String("tool", d.Name), zap.Error(err))
			} else {
				e.schema = s
			}
		}
		entries = append(entries, e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[ownerID] = owner
	for _, e := range entries {
		if prev, ok := r.byName[e.Descriptor.Name]; ok && prev.OwnerID != ownerID {
			r.logger.Info("tool taken over by another owner",
				zap.String("tool", e.Descriptor.Name), zap.String("from", prev.OwnerID), zap.String("to", ownerID))
		}
		r.byName[e.Descriptor.Name] = e
	}
	r.logger.Debug("registered tools", zap.String("owner", ownerID), zap.Int("count", len(entries)))
	return nil
}

// Unregister removes every tool of ownerID and returns how many were removed.
func (r *Registry) Unregister(ownerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(ownerID)
}

// UnregisterOwner is Unregister for an owner that may have been replaced: the
// tools are only removed while ownerID is still served by owner, which must
// be of a comparable type such as a pointer.
func (r *Registry) UnregisterOwner(ownerID string, owner Owner) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.owners[ownerID]; !ok || current != owner {
		r.logger.Debug("owner already replaced", zap.String("owner", ownerID))
		return 0
	}
	return r.unregisterLocked(ownerID)
}

func (r *Registry) unregisterLocked(ownerID string) int {
	n := 0
	for name, e := range r.byName {
		if e.OwnerID == ownerID {
			delete(r.byName, name)
			n++
		}
	}
	delete(r.owners, ownerID)
	r.logger.Debug("unregistered tools", zap.String("owner", ownerID), zap.Int("count", n))
	return n
}

// Catalog returns the flattened descriptors of all owners, sorted by name.
func (r *Registry) Catalog() []Descriptor {
	regs := r.Registrations()
	out := make([]Descriptor, len(regs))
	for i, reg := range regs {
		out[i] = reg.Descriptor
	}
	return out
}

// Registrations returns every registration, sorted by tool name.
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e.Registration)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Name < out[j].Descriptor.Name })
	return out
}

func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return Registration{}, false
	}
	return e.Registration, true
}

// Dispatch runs inv on the owner of the named tool. Every failure is
// reported in the returned Result.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation) Result {
	name := inv.Call.Name
	r.mu.RLock()
	e, ok := r.byName[name]
	var owner Owner
	if ok {
		owner = r.owners[e.OwnerID]
	}
	r.mu.RUnlock()

	if !ok || owner == nil {
		return ErrorResult(fmt.Sprintf("Unknown tool: %s", name))
	}

	if e.schema != nil {
		input := inv.Call.Input
		if input == nil {
			input = map[string]any{}
		}
		res, err := e.schema.Validate(gojsonschema.NewGoLoader(input))
		if err != nil {
			return ErrorResult(fmt.Sprintf("Invalid input for tool %s: %v", name, err))
		}
		if !res.Valid() {
			msg := fmt.Sprintf("Invalid input for tool %s:", name)
			for _, desc := range res.Errors() {
				msg += "\n- " + desc.String()
			}
			return ErrorResult(msg)
		}
	}

	result, err := owner.Execute(ctx, inv)
	if err != nil {
		r.logger.Warn("tool execution failed", zap.String("tool", name), zap.String("owner", e.OwnerID), zap.Error(err))
		return ErrorResult(fmt.Sprintf("Error executing %s: %v", name, err))
	}
	return result
}
