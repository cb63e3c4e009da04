package schema

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moolen/loom/internal/logging"
)

// Sentinel errors for registry lookups; the public API layer maps them onto
// its error taxonomy.
var (
	ErrUnknownKB      = errors.New("unknown knowledge base")
	ErrUnknownSource  = errors.New("unknown source")
	ErrUnknownMapping = errors.New("unknown mapping")
)

// DimensionError rejects a re-registration whose embedding provider has a
// different vector dimension than the one the knowledge base was created with.
type DimensionError struct {
	KBID     string
	Previous int
	Next     int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("knowledge base %q embedding dimension changed from %d to %d; re-registering with a different provider dimension is not supported",
		e.KBID, e.Previous, e.Next)
}

// Source is one registered connector source of a knowledge base.
type Source struct {
	KBID         string
	SourceID     string
	ConnectorURL string
	AuthRef      string
	MappingName  string
	UpdatedAt    time.Time
}

// KB is the registry's view of one knowledge base: its active schema snapshot
// and registered sources.
type KB struct {
	KBID          string
	Schema        *Schema
	SchemaVersion int
	Dimensions    int
	UpdatedAt     time.Time
	Sources       map[string]Source
}

// Registry stores registered schemas and sources in process, guarded by a
// readers-writer lock. Schema snapshots handed out are treated as immutable.
type Registry struct {
	mu     sync.RWMutex
	kbs    map[string]*KB
	logger *logging.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kbs:    make(map[string]*KB),
		logger: logging.GetLogger("schema.registry"),
		now:    time.Now,
	}
}

// CheckRegister reports whether a registration would be accepted, without
// committing anything. Callers use it to order side effects (index creation
// in the graph store) before the registry advances: a store failure after
// Register would leave the version bumped with the indexes absent.
func (r *Registry) CheckRegister(kbID string, dim int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kb, ok := r.kbs[kbID]
	if !ok {
		return nil
	}
	if kb.Dimensions != dim {
		return &DimensionError{KBID: kbID, Previous: kb.Dimensions, Next: dim}
	}
	return nil
}

// Register stores a validated schema for a knowledge base and returns the
// resulting schema version. Re-registering an identical schema (normalized
// form) keeps the current version; a different schema increments it. The
// knowledge base is created on first registration. dim is the embedding
// provider's vector dimension; changing it between registrations is rejected.
func (r *Registry) Register(kbID string, s *Schema, dim int) (version int, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kb, ok := r.kbs[kbID]
	if !ok {
		kb = &KB{
			KBID:          kbID,
			Schema:        s,
			SchemaVersion: 1,
			Dimensions:    dim,
			UpdatedAt:     r.now(),
			Sources:       make(map[string]Source),
		}
		r.kbs[kbID] = kb
		r.logger.Info("registered knowledge base %q (schema version 1, dim %d)", kbID, dim)
		return 1, true, nil
	}

	if kb.Dimensions != dim {
		return 0, false, &DimensionError{KBID: kbID, Previous: kb.Dimensions, Next: dim}
	}

	if kb.Schema.Equal(s) {
		r.logger.Debug("knowledge base %q schema unchanged (version %d)", kbID, kb.SchemaVersion)
		return kb.SchemaVersion, false, nil
	}

	kb.Schema = s
	kb.SchemaVersion++
	kb.UpdatedAt = r.now()
	r.logger.Info("updated knowledge base %q schema to version %d", kbID, kb.SchemaVersion)
	return kb.SchemaVersion, false, nil
}

// AddSource registers or replaces a source of an existing knowledge base.
// The mapping name must reference a mapping declared in the active schema.
func (r *Registry) AddSource(kbID, sourceID, connectorURL, authRef, mappingName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kb, ok := r.kbs[kbID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKB, kbID)
	}
	if _, ok := kb.Schema.MappingBySourceID(mappingName); !ok {
		return fmt.Errorf("%w: %q is not declared in the schema of %q", ErrUnknownMapping, mappingName, kbID)
	}

	kb.Sources[sourceID] = Source{
		KBID:         kbID,
		SourceID:     sourceID,
		ConnectorURL: connectorURL,
		AuthRef:      authRef,
		MappingName:  mappingName,
		UpdatedAt:    r.now(),
	}
	r.logger.Info("registered source %q on knowledge base %q (mapping %q)", sourceID, kbID, mappingName)
	return nil
}

// GetSchema returns the active schema snapshot and version of a knowledge base.
func (r *Registry) GetSchema(kbID string) (*Schema, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kb, ok := r.kbs[kbID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownKB, kbID)
	}
	return kb.Schema, kb.SchemaVersion, nil
}

// Dimensions returns the embedding vector dimension recorded for a knowledge
// base.
func (r *Registry) Dimensions(kbID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kb, ok := r.kbs[kbID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKB, kbID)
	}
	return kb.Dimensions, nil
}

// GetSource returns one registered source of a knowledge base.
func (r *Registry) GetSource(kbID, sourceID string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kb, ok := r.kbs[kbID]
	if !ok {
		return Source{}, fmt.Errorf("%w: %q", ErrUnknownKB, kbID)
	}
	src, ok := kb.Sources[sourceID]
	if !ok {
		return Source{}, fmt.Errorf("%w: %q in knowledge base %q", ErrUnknownSource, sourceID, kbID)
	}
	return src, nil
}

// Sources returns the registered sources of a knowledge base.
func (r *Registry) Sources(kbID string) ([]Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kb, ok := r.kbs[kbID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKB, kbID)
	}
	out := make([]Source, 0, len(kb.Sources))
	for _, src := range kb.Sources {
		out = append(out, src)
	}
	return out, nil
}

// KBIDs returns the ids of all registered knowledge bases.
func (r *Registry) KBIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.kbs))
	for id := range r.kbs {
		out = append(out, id)
	}
	return out
}
