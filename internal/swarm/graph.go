package swarm

import (
	"fmt"
	"sort"
)

// Link is one communication edge between two swarm members.
type Link struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Bidirectional bool   `json:"bidirectional,omitempty"`
}

// BuildLinks returns the communication edges for a topology. workers must be
// given in spawn order; the queen is always a member.
func BuildLinks(t Topology, queen string, workers []string) ([]Link, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("build links for %q: %w", t, ErrInvalidTopology)
	}
	if queen == "" {
		return nil, fmt.Errorf("build links: queen id is empty")
	}

	seen := make(map[string]bool, len(workers)+1)
	seen[queen] = true
	for _, w := range workers {
		if seen[w] {
			return nil, fmt.Errorf("build links: duplicate member %q", w)
		}
		seen[w] = true
	}

	links := make([]Link, 0, len(workers))
	switch t {
	case TopologyHierarchical:
		for _, w := range workers {
			links = append(links, Link{From: queen, To: w})
		}
	case TopologyStar:
		for _, w := range workers {
			links = append(links, Link{From: queen, To: w, Bidirectional: true})
		}
	case TopologyMesh:
		members := append([]string{queen}, workers...)
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				links = append(links, Link{From: members[i], To: members[j], Bidirectional: true})
			}
		}
	case TopologyRing:
		switch len(workers) {
		case 0:
		case 1:
			links = append(links, Link{From: workers[0], To: queen})
		default:
			for i, w := range workers {
				links = append(links, Link{From: w, To: workers[(i+1)%len(workers)]})
			}
		}
	}
	return links, nil
}

// Neighbors returns the members id can send to, sorted.
func Neighbors(links []Link, id string) []string {
	set := make(map[string]bool)
	for _, l := range links {
		if l.From == id {
			set[l.To] = true
		}
		if l.Bidirectional && l.To == id {
			set[l.From] = true
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Components groups members into connected components, ignoring direction.
// Each group keeps the order members were given in.
func Components(members []string, links []Link) [][]string {
	parent := make(map[string]string, len(members))
	for _, m := range members {
		parent[m] = m
	}
	find := func(x string) string {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for _, l := range links {
		if _, ok := parent[l.From]; !ok {
			continue
		}
		if _, ok := parent[l.To]; !ok {
			continue
		}
		union(l.From, l.To)
	}

	index := make(map[string]int)
	var groups [][]string
	for _, m := range members {
		root := find(m)
		i, ok := index[root]
		if !ok {
			i = len(groups)
			index[root] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}
