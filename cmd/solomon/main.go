package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/solomon/internal/config"
	"github.com/mtzanidakis/solomon/internal/container"
	"github.com/mtzanidakis/solomon/internal/control"
	"github.com/mtzanidakis/solomon/internal/natsbus"
	"github.com/mtzanidakis/solomon/internal/registry"
	"github.com/mtzanidakis/solomon/internal/scheduler"
	"github.com/mtzanidakis/solomon/internal/store"
	"github.com/mtzanidakis/solomon/internal/swarm"
	"github.com/mtzanidakis/solomon/internal/vault"
	"github.com/mtzanidakis/solomon/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("solomon %s\n", version)
		return
	case "gateway":
		err = runGateway()
	case "build-image":
		err = runBuildImage(os.Args[2:])
	case "export-audit":
		err = runExportAudit(os.Args[2:])
	case "import-audit":
		err = runImportAudit(os.Args[2:])
	case "inspect-audit":
		err = runInspectAudit(os.Args[2:])
	case "seal":
		err = runSeal(os.Stdin, os.Stdout)
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: solomon <command>

Commands:
  gateway        Start the swarm coordinator
  build-image    Build the worker container image
  export-audit   Write decisions, failures, snapshots and tasks to a .tar.zst archive
  import-audit   Append the records of an audit archive to the store
  inspect-audit  List the contents of an audit archive
  seal           Seal a secret from stdin for use in worker env
  version        Print version
`)
}

// workerPool is what the gateway needs from a backend beyond swarm.Pool.
type workerPool interface {
	swarm.Pool
	StopAll(ctx context.Context) error
}

type localPool struct{ *swarm.LocalPool }

func (localPool) StopAll(context.Context) error { return nil }

type remotePool struct{ *swarm.RemotePool }

func (remotePool) StopAll(context.Context) error { return nil }

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting solomon gateway", "version", version, "backend", cfg.Swarm.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	nc, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer nc.Close()

	reg := registry.New(cfg.Workers, cfg.Container.Image)

	pool, containers, err := newPool(ctx, cfg, bus, nc, reg)
	if err != nil {
		return err
	}

	publisher := swarm.NewNATSPublisher(nc)
	queen := swarm.NewRuleQueen(reg, db)
	coord := swarm.NewCoordinator(queen, pool, swarm.Options{
		MaxAgents:    cfg.Swarm.MaxAgents,
		Topology:     swarm.Topology(cfg.Swarm.Topology),
		Consensus:    swarm.NewWeightedConsensus(swarm.NewNATSBallot(nc), cfg.Swarm.VoteTimeout),
		Capabilities: reg,
		Publisher:    publisher,
	})
	if err := coord.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize swarm: %w", err)
	}

	// Scheduler
	sched := scheduler.New(db, coord, publisher, cfg.Scheduler)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// Control plane for swarmctl
	ctl := control.New(nc, coord, queen, sched, db, cfg.Swarm.ExecuteTimeout)
	if err := ctl.Start(); err != nil {
		return fmt.Errorf("start control handler: %w", err)
	}
	defer ctl.Stop()

	// Web UI
	if cfg.Web.Enabled {
		srv := web.NewServer(web.Deps{
			Store:       db,
			Bus:         bus,
			Coordinator: coord,
			Queen:       queen,
			Scheduler:   sched,
			Registry:    reg,
		}, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal, reloading config on SIGHUP
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			cfg = reload(cfg, coord, reg, sched, containers)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	cancel()

	// Cleanup
	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		slog.Warn("swarm shutdown incomplete", "error", err)
	}
	if err := pool.StopAll(shutdownCtx); err != nil {
		slog.Warn("worker cleanup incomplete", "error", err)
	}
	return nil
}

// newPool builds the worker backend. The container pool is also returned so
// reloads can update its config; it is nil for the other backends.
func newPool(ctx context.Context, cfg *config.Config, bus *natsbus.Bus, nc *natsbus.Client, reg *registry.Registry) (workerPool, *container.Pool, error) {
	switch cfg.Swarm.Backend {
	case "nats":
		return remotePool{swarm.NewRemotePool(nc, cfg.Swarm.SpawnTimeout, cfg.Swarm.ExecuteTimeout)}, nil, nil
	case "container":
		docker, err := container.NewDockerClient()
		if err != nil {
			return nil, nil, err
		}
		ccfg := cfg.Container
		if ccfg.NATSURL == "" {
			ccfg.NATSURL = fmt.Sprintf("nats://host.docker.internal:%d", bus.Port())
		}
		p := container.NewPool(docker, nc, reg, ccfg, cfg.Swarm.ExecuteTimeout)
		if cfg.Vault.Passphrase != "" {
			v, err := vault.New(cfg.Vault.Passphrase)
			if err != nil {
				return nil, nil, fmt.Errorf("init vault: %w", err)
			}
			p.SetVault(v)
		}
		if err := p.CleanupStale(ctx); err != nil {
			slog.Warn("stale container cleanup failed", "error", err)
		}
		return p, p, nil
	default:
		return localPool{swarm.NewLocalPool(nil)}, nil, nil
	}
}

func reload(old *config.Config, coord *swarm.Coordinator, reg *registry.Registry, sched *scheduler.Scheduler, containers *container.Pool) *config.Config {
	slog.Info("reloading config", "path", config.Path())
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed, keeping current config", "error", err)
		return old
	}

	d := config.Diff(old, next)
	for _, field := range d.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !d.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return next
	}

	if d.MaxAgentsChanged {
		if err := coord.SetMaxAgents(d.NewMaxAgents); err != nil {
			slog.Error("apply max_agents failed", "error", err)
		}
	}
	if d.WorkersDirty() {
		reg.Update(next.Workers)
		slog.Info("worker definitions updated",
			"added", d.WorkersAdded, "removed", d.WorkersRemoved, "changed", d.WorkersChanged)
	}
	if d.SchedulerChanged {
		sched.UpdateConfig(d.NewScheduler)
	}
	if d.ContainerChanged && containers != nil {
		ccfg := d.NewContainer
		if ccfg.NATSURL == "" {
			ccfg.NATSURL = fmt.Sprintf("nats://host.docker.internal:%d", next.NATS.Port)
		}
		containers.UpdateConfig(ccfg)
	}
	slog.Info("config reloaded")
	return next
}

func runBuildImage(args []string) error {
	opts := container.BuildOptions{ContextDir: ".", Output: os.Stdout}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-t":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -t")
			}
			i++
			opts.Tags = append(opts.Tags, args[i])
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			opts.Dockerfile = args[i]
		default:
			opts.ContextDir = args[i]
		}
	}

	if len(opts.Tags) == 0 {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		opts.Tags = []string{cfg.Container.Image}
	}

	docker, err := container.NewDockerClient()
	if err != nil {
		return err
	}
	defer docker.Close()

	return container.BuildWorkerImage(context.Background(), docker, opts)
}

// runSeal reads one secret from in and prints its sealed form.
func runSeal(in io.Reader, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("SOLOMON_VAULT_PASSPHRASE or vault.passphrase is required")
	}
	v, err := vault.New(cfg.Vault.Passphrase)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return fmt.Errorf("empty secret")
	}
	sealed, err := v.Seal(secret)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, sealed)
	return nil
}
