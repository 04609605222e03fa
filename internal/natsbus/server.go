package natsbus

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mtzanidakis/solomon/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// Bus is the embedded broker. The coordinator, remote worker hosts,
// container workers and swarmctl all meet on it.
type Bus struct {
	server *natsserver.Server
}

func serverOptions(cfg config.NATSConfig) *natsserver.Options {
	opts := &natsserver.Options{
		ServerName: "solomon",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	}
	// JetStream needs a store dir.
	if cfg.DataDir != "" {
		opts.JetStream = true
		opts.StoreDir = cfg.DataDir
	}
	return opts
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create nats data dir: %w", err)
		}
	}

	ns, err := natsserver.NewServer(serverOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("nats server not ready")
	}
	return &Bus{server: ns}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Port is the bound port, which differs from the configured one when that was -1.
func (b *Bus) Port() int {
	return b.server.Addr().(*net.TCPAddr).Port
}

// Clients counts current connections, swarmctl sessions included.
func (b *Bus) Clients() int {
	return b.server.NumClients()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
