package registry

import (
	"log/slog"
	"maps"
	"sort"
	"sync"

	"github.com/mtzanidakis/solomon/internal/config"
	"github.com/mtzanidakis/solomon/internal/swarm"
)

// typeOrder fixes the probe order of TypeFor so lookups stay deterministic
// when several types share a capability.
var typeOrder = []swarm.WorkerType{
	swarm.WorkerProgrammer,
	swarm.WorkerTester,
	swarm.WorkerReviewer,
	swarm.WorkerPlanner,
	swarm.WorkerGeneral,
}

// Registry maps worker types to capabilities and images. Config entries
// override the built-in capability table per type.
type Registry struct {
	mu           sync.RWMutex
	caps         map[swarm.WorkerType][]string
	images       map[swarm.WorkerType]string
	env          map[swarm.WorkerType]map[string]string
	defaultImage string
}

func New(workers map[string]config.WorkerDefinition, defaultImage string) *Registry {
	r := &Registry{defaultImage: defaultImage}
	r.Update(workers)
	return r
}

// Update replaces the config overrides, e.g. after a reload.
func (r *Registry) Update(workers map[string]config.WorkerDefinition) {
	caps := make(map[swarm.WorkerType][]string, len(swarm.DefaultCapabilities))
	for t, c := range swarm.DefaultCapabilities {
		caps[t] = append([]string(nil), c...)
	}
	images := make(map[swarm.WorkerType]string)
	env := make(map[swarm.WorkerType]map[string]string)

	for name, def := range workers {
		t := swarm.WorkerType(name)
		if swarm.ParseWorkerType(name) != t {
			slog.Warn("ignoring unknown worker type", "type", name)
			continue
		}
		if len(def.Capabilities) > 0 {
			caps[t] = append([]string(nil), def.Capabilities...)
		}
		if def.Image != "" {
			images[t] = def.Image
		}
		if len(def.Env) > 0 {
			env[t] = maps.Clone(def.Env)
		}
	}

	r.mu.Lock()
	r.caps = caps
	r.images = images
	r.env = env
	r.mu.Unlock()
}

func (r *Registry) Capabilities(t swarm.WorkerType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.caps[t]; ok {
		return append([]string(nil), c...)
	}
	return append([]string(nil), r.caps[swarm.WorkerGeneral]...)
}

func (r *Registry) TypeFor(capability string) (swarm.WorkerType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range typeOrder {
		if t == swarm.WorkerGeneral {
			continue
		}
		for _, c := range r.caps[t] {
			if c == capability {
				return t, true
			}
		}
	}
	return "", false
}

func (r *Registry) ResolveImage(t swarm.WorkerType) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if img, ok := r.images[t]; ok {
		return img
	}
	return r.defaultImage
}

// Env returns the extra container environment configured for t.
func (r *Registry) Env(t swarm.WorkerType) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.env[t])
}

// TypeInfo describes one worker type for listings.
type TypeInfo struct {
	Type         swarm.WorkerType `json:"type"`
	Capabilities []string         `json:"capabilities"`
	Image        string           `json:"image"`
}

func (r *Registry) List() []TypeInfo {
	out := make([]TypeInfo, 0, len(typeOrder))
	for _, t := range typeOrder {
		out = append(out, TypeInfo{Type: t, Capabilities: r.Capabilities(t), Image: r.ResolveImage(t)})
	}
	return out
}

// Images returns the distinct images in use, sorted.
func (r *Registry) Images() []string {
	set := map[string]bool{r.defaultImage: true}
	r.mu.RLock()
	for _, img := range r.images {
		set[img] = true
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(set))
	for img := range set {
		out = append(out, img)
	}
	sort.Strings(out)
	return out
}
