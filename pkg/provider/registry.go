package provider

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Definition configures one provider instance.
type Definition struct {
	ID      string         `yaml:"id" mapstructure:"id"`
	Type    Type           `yaml:"type" mapstructure:"type"`
	Options map[string]any `yaml:"options,omitempty" mapstructure:"options"`
}

// Factory builds a provider from its definition.
type Factory func(def Definition, logger *zap.Logger) (Provider, error)

// Resolver looks providers up by id.
type Resolver interface {
	Resolve(id string) (Provider, error)
}

// Registry maps provider ids to definitions.
//
// Resolve builds a fresh instance from the current definition each time, so
// edits applied with Load take effect on the next launch without a restart.
// Instances registered with Set are returned as-is.
type Registry struct {
	mu        sync.RWMutex
	factories map[Type]Factory
	defs      map[string]Definition
	static    map[string]Provider
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factories: make(map[Type]Factory),
		defs:      make(map[string]Definition),
		static:    make(map[string]Provider),
		logger:    logger,
	}
}

// RegisterFactory installs the constructor for a provider type.
func (r *Registry) RegisterFactory(t Type, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// Set registers a prebuilt provider under id.
func (r *Registry) Set(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.static[id] = p
}

// Load replaces every definition. Definitions are validated first; on error
// the registry is left unchanged.
func (r *Registry) Load(defs []Definition) error {
	next := make(map[string]Definition, len(defs))

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range defs {
		def.ID = strings.TrimSpace(def.ID)
		if def.ID == "" {
			return fmt.Errorf("%w: provider id is required", ErrInvalidConfig)
		}
		if _, dup := next[def.ID]; dup {
			return fmt.Errorf("%w: duplicate provider id %q", ErrInvalidConfig, def.ID)
		}
		if _, ok := r.factories[def.Type]; !ok {
			return fmt.Errorf("%w: provider %q has unknown type %q", ErrInvalidConfig, def.ID, def.Type)
		}
		next[def.ID] = def
	}
	r.defs = next
	r.logger.Info("Provider definitions loaded", zap.Int("count", len(next)))
	return nil
}

// LoadFile reads definitions from a YAML file of the form:
//
//	providers:
//	  - id: local
//	    type: local
func (r *Registry) LoadFile(path string) error {
	defs, err := ReadDefinitionsFile(path)
	if err != nil {
		return err
	}
	return r.Load(defs)
}

// ReadDefinitionsFile parses a providers file without loading it.
func ReadDefinitionsFile(path string) ([]Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	var doc struct {
		Providers []Definition `yaml:"providers"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return doc.Providers, nil
}

// Resolve returns the provider registered under id.
func (r *Registry) Resolve(id string) (Provider, error) {
	r.mu.RLock()
	p, isStatic := r.static[id]
	def, isDef := r.defs[id]
	f := r.factories[def.Type]
	r.mu.RUnlock()

	if isStatic {
		return p, nil
	}
	if !isDef {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	p, err := f(def, r.logger.With(zap.String("provider_id", id)))
	if err != nil {
		return nil, Wrap("Resolve", id, "", err)
	}
	return p, nil
}

// IDs lists every resolvable provider id in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs)+len(r.static))
	for id := range r.defs {
		ids = append(ids, id)
	}
	for id := range r.static {
		if _, ok := r.defs[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// DecodeOptions decodes a definition's loosely typed options into out.
// Unknown keys are rejected.
//
// Durations may be written as strings ("30s") and scalars are converted
// weakly, matching how options arrive from YAML and environment config.
func DecodeOptions(opts map[string]any, out any) error {
	return decode(opts, out, true)
}

// DecodeConfig decodes a cluster launch config into out. Keys out does not
// declare are ignored so one config can carry settings for several backends.
func DecodeConfig(config map[string]any, out any) error {
	return decode(config, out, false)
}

func decode(in map[string]any, out any, strict bool) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      strict,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
