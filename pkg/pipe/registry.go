package pipe

import (
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/codeready-toolchain/tapestry/pkg/store"
)

// Constructor builds a fresh Pipe instance. Pipes are stateless enough
// that a registry only ever needs metadata (Provider/InteractionType/
// ArchivePathPattern), but a constructor is kept rather than a bare
// instance so providers can inject per-call dependencies later without
// a registry API change.
type Constructor func() (Pipe, error)

type registryKey struct {
	provider string
	version  int
}

// Registry maps (provider, archive version) to a Pipe constructor and
// supports glob-based task discovery against an archive's file list,
// mirroring original_source's provider registry.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[registryKey]Constructor
	byInter map[string]registryKey
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:   make(map[registryKey]Constructor),
		byInter: make(map[string]registryKey),
	}
}

// Register associates a (provider, archiveVersion) pair with a pipe
// constructor, keyed additionally by interactionType for GetByInteractionType
// lookups. Registering the same key twice overwrites the prior entry.
func (r *Registry) Register(provider string, archiveVersion int, interactionType string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := registryKey{provider: provider, version: archiveVersion}
	r.byKey[k] = ctor
	r.byInter[interactionType] = k
}

// Get constructs the pipe registered for (provider, archiveVersion).
func (r *Registry) Get(provider string, archiveVersion int) (Pipe, error) {
	r.mu.RLock()
	ctor, ok := r.byKey[registryKey{provider: provider, version: archiveVersion}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipe: no pipe registered for provider %q version %d", provider, archiveVersion)
	}
	return ctor()
}

// GetByInteractionType constructs the pipe registered under
// interactionType.
func (r *Registry) GetByInteractionType(interactionType string) (Pipe, error) {
	r.mu.RLock()
	k, ok := r.byInter[interactionType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipe: no pipe registered for interaction_type %q", interactionType)
	}
	return r.Get(k.provider, k.version)
}

// DiscoverTasks matches every file in an extracted archive's listing
// against each registered provider pipe's ArchivePathPattern, emitting
// one EtlTask per matched file. Patterns are evaluated relative to the
// archiveID's prefix, matching original_source's fnmatch-based
// discover_tasks.
func (r *Registry) DiscoverTasks(archiveID, provider string, files []string) ([]store.EtlTask, error) {
	r.mu.RLock()
	keys := make([]registryKey, 0, len(r.byKey))
	for k := range r.byKey {
		if k.provider == provider {
			keys = append(keys, k)
		}
	}
	ctors := make(map[registryKey]Constructor, len(r.byKey))
	for k, c := range r.byKey {
		ctors[k] = c
	}
	r.mu.RUnlock()

	// Stable iteration order for deterministic task ordering.
	sort.Slice(keys, func(i, j int) bool { return keys[i].version < keys[j].version })

	prefix := archiveID + "/"
	var tasks []store.EtlTask
	for _, k := range keys {
		p, err := ctors[k]()
		if err != nil {
			return nil, fmt.Errorf("construct pipe for provider %q version %d: %w", k.provider, k.version, err)
		}
		pattern := prefix + p.ArchivePathPattern()
		for _, f := range files {
			matched, err := path.Match(pattern, f)
			if err != nil {
				return nil, fmt.Errorf("match pattern %q against %q: %w", pattern, f, err)
			}
			if !matched {
				continue
			}
			tasks = append(tasks, store.EtlTask{
				ArchiveID:       archiveID,
				Provider:        provider,
				InteractionType: p.InteractionType(),
				SourceURIs:      []string{f},
				Status:          "created",
			})
		}
	}
	return tasks, nil
}
