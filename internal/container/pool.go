package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/mtzanidakis/solomon/internal/config"
	"github.com/mtzanidakis/solomon/internal/natsbus"
	"github.com/mtzanidakis/solomon/internal/swarm"
	"github.com/mtzanidakis/solomon/internal/vault"
	"github.com/nats-io/nats.go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const labelPrefix = "solomon"

// Docker is the part of the Docker API client the pool drives.
type Docker interface {
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	ContainerCreate(ctx context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (dockercontainer.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options dockercontainer.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options dockercontainer.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error
	ContainerList(ctx context.Context, options dockercontainer.ListOptions) ([]dockercontainer.Summary, error)
}

// Images resolves the image and extra environment of a worker type.
type Images interface {
	ResolveImage(t swarm.WorkerType) string
	Env(t swarm.WorkerType) map[string]string
}

type ContainerInfo struct {
	ID        string           `json:"id"`
	WorkerID  string           `json:"worker_id"`
	Type      swarm.WorkerType `json:"type"`
	Name      string           `json:"name"`
	Image     string           `json:"image"`
	StartedAt time.Time        `json:"started_at"`
}

// Pool runs every worker in its own container. The worker inside connects
// back to the bus and is then driven like any remote worker.
type Pool struct {
	docker         Docker
	client         *natsbus.Client
	images         Images
	executeTimeout time.Duration

	mu           sync.Mutex
	secrets      *vault.Vault
	cfg          config.ContainerConfig
	networkReady string
	active       map[string]*ContainerInfo // worker id -> container
}

func NewDockerClient() (*client.Client, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return docker, nil
}

func NewPool(docker Docker, nc *natsbus.Client, images Images, cfg config.ContainerConfig, executeTimeout time.Duration) *Pool {
	return &Pool{
		docker:         docker,
		client:         nc,
		images:         images,
		cfg:            cfg,
		executeTimeout: executeTimeout,
		active:         make(map[string]*ContainerInfo),
	}
}

// UpdateConfig applies to containers started afterwards.
func (p *Pool) UpdateConfig(cfg config.ContainerConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// SetVault lets sealed per-type env values be opened at spawn time. Without
// a vault, a sealed value fails the spawn.
func (p *Pool) SetVault(v *vault.Vault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secrets = v
}

func (p *Pool) currentConfig() config.ContainerConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Pool) ensureNetwork(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.networkReady == name {
		return nil
	}

	if _, err := p.docker.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		p.networkReady = name
		return nil
	}

	if _, err := p.docker.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	p.networkReady = name
	slog.Info("created docker network", "network", name)
	return nil
}

func containerName(workerID string) string {
	return "solomon-" + workerID
}

func (p *Pool) Spawn(ctx context.Context, wc swarm.WorkerConfig) (swarm.Worker, error) {
	cfg := p.currentConfig()
	if err := p.ensureNetwork(ctx, cfg.Network); err != nil {
		return nil, err
	}

	// Subscribe before starting so the ready signal cannot be missed.
	ready := make(chan struct{}, 1)
	sub, err := p.client.Subscribe(natsbus.TopicAgentReady(wc.ID), func(*nats.Msg) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe ready %s: %w", wc.ID, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := p.client.Flush(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	env, err := p.env(cfg, wc)
	if err != nil {
		return nil, err
	}

	name := containerName(wc.ID)

	// Remove any stale container with the same name
	timeout := 5
	_ = p.docker.ContainerStop(ctx, name, dockercontainer.StopOptions{Timeout: &timeout})
	_ = p.docker.ContainerRemove(ctx, name, dockercontainer.RemoveOptions{Force: true})

	image := p.images.ResolveImage(wc.Type)
	containerCfg := &dockercontainer.Config{
		Image: image,
		Env:   env,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".worker":  wc.ID,
			labelPrefix + ".type":    string(wc.Type),
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds:       buildBinds(cfg.Mounts),
		NetworkMode: dockercontainer.NetworkMode(cfg.Network),
	}
	if r := wc.Resources; r != nil {
		hostCfg.Resources = dockercontainer.Resources{
			NanoCPUs: int64(r.CPU * 1e9),
			Memory:   r.Memory,
		}
	}

	resp, err := p.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := p.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = p.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	info := &ContainerInfo{
		ID:        resp.ID,
		WorkerID:  wc.ID,
		Type:      wc.Type,
		Name:      name,
		Image:     image,
		StartedAt: time.Now(),
	}
	p.mu.Lock()
	p.active[wc.ID] = info
	p.mu.Unlock()

	slog.Info("worker container started", "worker", wc.ID, "container", shortID(resp.ID), "image", image)

	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 30 * time.Second
	}
	select {
	case <-ready:
		slog.Info("worker container ready", "worker", wc.ID)
	case <-time.After(readyTimeout):
		slog.Warn("worker ready timeout, sending anyway", "worker", wc.ID)
	case <-ctx.Done():
		_ = p.stop(context.WithoutCancel(ctx), wc.ID)
		return nil, ctx.Err()
	}

	return &Worker{RemoteWorker: swarm.NewRemoteWorker(p.client, wc, p.executeTimeout), pool: p}, nil
}

func (p *Pool) env(cfg config.ContainerConfig, wc swarm.WorkerConfig) ([]string, error) {
	env := []string{
		fmt.Sprintf("NATS_URL=%s", cfg.NATSURL),
		fmt.Sprintf("AGENT_ID=%s", wc.ID),
		fmt.Sprintf("WORKER_TYPE=%s", wc.Type),
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, fmt.Sprintf("TZ=%s", tz))
	}

	// Per-type env vars, sorted for a stable container config.
	extra := p.images.Env(wc.Type)
	p.mu.Lock()
	secrets := p.secrets
	p.mu.Unlock()
	if secrets != nil {
		opened, err := secrets.OpenEnv(extra)
		if err != nil {
			return nil, fmt.Errorf("worker %s env: %w", wc.Type, err)
		}
		extra = opened
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if vault.IsSealed(extra[k]) {
			return nil, fmt.Errorf("worker %s env %s is sealed but no vault passphrase is set", wc.Type, k)
		}
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return env, nil
}

func (p *Pool) stop(ctx context.Context, workerID string) error {
	p.mu.Lock()
	info, ok := p.active[workerID]
	delete(p.active, workerID)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	timeout := 10
	if err := p.docker.ContainerStop(ctx, info.ID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", shortID(info.ID), "error", err)
	}
	if err := p.docker.ContainerRemove(ctx, info.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", shortID(info.ID), err)
	}
	slog.Info("worker container stopped", "worker", workerID)
	return nil
}

// StopAll removes every container the pool started.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, p.stop(ctx, id))
	}
	return errors.Join(errs...)
}

// List returns the running containers ordered by start time.
func (p *Pool) List() []ContainerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ContainerInfo, 0, len(p.active))
	for _, info := range p.active {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// CleanupStale removes managed containers left over from a previous run.
func (p *Pool) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := p.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	p.mu.Lock()
	activeIDs := make(map[string]bool, len(p.active))
	for _, info := range p.active {
		activeIDs[info.ID] = true
	}
	p.mu.Unlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", shortID(c.ID))
			_ = p.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Worker is a remote worker whose lifetime is bound to a container.
type Worker struct {
	*swarm.RemoteWorker
	pool *Pool
}

// Terminate tells the worker to exit and removes its container.
func (w *Worker) Terminate(ctx context.Context) error {
	err := w.RemoteWorker.Terminate(ctx)
	return errors.Join(err, w.pool.stop(ctx, w.ID()))
}

// ContainerID returns the id of the backing container, empty once stopped.
func (w *Worker) ContainerID() string {
	w.pool.mu.Lock()
	defer w.pool.mu.Unlock()
	if info, ok := w.pool.active[w.ID()]; ok {
		return info.ID
	}
	return ""
}
