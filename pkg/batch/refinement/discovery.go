// Package refinement implements the refinement category's state graph
// (§4.5.2) and its union-find discovery step (§4.7).
package refinement

import (
	"context"
	"fmt"
	"sort"

	"github.com/codeready-toolchain/tapestry/pkg/store"
)

// Default discovery parameters (§4.7).
const (
	DefaultDateProximityDays     = 7
	DefaultSimilarityThreshold   = 0.4
	DefaultMaxCandidatesPerSeed  = 10
)

// DiscoveryParams configures DiscoverClusters.
type DiscoveryParams struct {
	DateProximityDays    int
	SimilarityThreshold  float64
	MaxCandidatesPerSeed int
}

// DefaultDiscoveryParams returns the §4.7 defaults.
func DefaultDiscoveryParams() DiscoveryParams {
	return DiscoveryParams{
		DateProximityDays:    DefaultDateProximityDays,
		SimilarityThreshold:  DefaultSimilarityThreshold,
		MaxCandidatesPerSeed: DefaultMaxCandidatesPerSeed,
	}
}

// unionFind is a disjoint-set structure with path compression, grounded
// on original_source/context_use/memories/refinement/discovery.py's
// _UnionFind.
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) add(x string) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
}

func (u *unionFind) find(x string) string {
	u.add(x)
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	// Path compression.
	for u.parent[x] != root {
		next := u.parent[x]
		u.parent[x] = root
		x = next
	}
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

// clusters returns all connected components of size >= 2, as sorted
// lists of ids, themselves ordered by first member for determinism.
func (u *unionFind) clusters() [][]string {
	byRoot := make(map[string][]string)
	for id := range u.parent {
		root := u.find(id)
		byRoot[root] = append(byRoot[root], id)
	}

	var out [][]string
	for _, members := range byRoot {
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// DiscoverClusters implements §4.7: for each seed with an embedding, ask
// the store for similarity candidates and union them; return every
// connected component of size >= 2.
func DiscoverClusters(ctx context.Context, st store.Store, seedIDs []string, params DiscoveryParams) ([][]string, error) {
	uf := newUnionFind()
	for _, seed := range seedIDs {
		uf.add(seed)

		candidates, err := st.FindSimilarMemories(ctx, seed, params.DateProximityDays, params.SimilarityThreshold, params.MaxCandidatesPerSeed)
		if err != nil {
			return nil, fmt.Errorf("find similar memories for seed %s: %w", seed, err)
		}
		for _, c := range candidates {
			uf.union(seed, c)
		}
	}
	return uf.clusters(), nil
}
