package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	MaxAgentsChanged bool
	NewMaxAgents     int

	WorkersAdded   []string
	WorkersRemoved []string
	WorkersChanged []string

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	ContainerChanged bool
	NewContainer     ContainerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.MaxAgentsChanged ||
		len(d.WorkersAdded) > 0 ||
		len(d.WorkersRemoved) > 0 ||
		len(d.WorkersChanged) > 0 ||
		d.SchedulerChanged ||
		d.ContainerChanged
}

// WorkersDirty reports whether any worker definition changed.
func (d *ConfigDiff) WorkersDirty() bool {
	return len(d.WorkersAdded) > 0 || len(d.WorkersRemoved) > 0 || len(d.WorkersChanged) > 0
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Swarm.MaxAgents != new.Swarm.MaxAgents {
		d.MaxAgentsChanged = true
		d.NewMaxAgents = new.Swarm.MaxAgents
	}

	for name := range new.Workers {
		if _, ok := old.Workers[name]; !ok {
			d.WorkersAdded = append(d.WorkersAdded, name)
		}
	}
	for name := range old.Workers {
		if _, ok := new.Workers[name]; !ok {
			d.WorkersRemoved = append(d.WorkersRemoved, name)
		}
	}
	for name, newDef := range new.Workers {
		if oldDef, ok := old.Workers[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.WorkersChanged = append(d.WorkersChanged, name)
			}
		}
	}

	if !reflect.DeepEqual(old.Scheduler, new.Scheduler) {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	if !reflect.DeepEqual(old.Container, new.Container) {
		d.ContainerChanged = true
		d.NewContainer = new.Container
	}

	if old.Swarm.Backend != new.Swarm.Backend {
		d.NonReloadable = append(d.NonReloadable, "swarm.backend")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}
