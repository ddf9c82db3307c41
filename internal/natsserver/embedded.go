// Package natsserver runs the bus inside the bridge process for single-host
// deployments.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

// defaultMaxPayload is the server default; bus synthesis chunks need more
// when transport frames are large.
const defaultMaxPayload = 1 << 20

type Options struct {
	// Name identifies the server in monitoring output.
	Name string
	// MaxFrameBytes is the largest audio frame the bridge will publish. Bus
	// chunks carry it base64 encoded inside JSON.
	MaxFrameBytes int
}

func (o Options) maxPayload() int32 {
	need := o.MaxFrameBytes/3*4 + 4096
	if need < defaultMaxPayload {
		return defaultMaxPayload
	}
	return int32(need)
}

// EmbeddedServer is a loopback-only NATS server owned by one bridge.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil, nil when cfg does not ask for an embedded server.
// Port -1 picks a free port; use ClientURL to find it.
func Start(cfg config.BusConfig, opts Options, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "nats-embedded"))

	sopts := &server.Options{
		ServerName: opts.Name,
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		MaxPayload: opts.maxPayload(),
		JetStream:  cfg.StoreDir != "",
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		NoLog:      true,
	}
	switch {
	case cfg.Token != "":
		sopts.Authorization = cfg.Token
	case cfg.Username != "":
		sopts.Username, sopts.Password = cfg.Username, cfg.Password
	}

	ns, err := server.NewServer(sopts)
	if err != nil {
		return nil, fmt.Errorf("create embedded bus: %w", err)
	}
	go ns.Start()

	wait := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if !ns.ReadyForConnections(wait) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded bus not ready after %s", wait)
	}

	log.Info("embedded bus listening",
		slog.String("url", ns.ClientURL()),
		slog.Int("max_payload", int(sopts.MaxPayload)),
		slog.Bool("jetstream", sopts.JetStream))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for client connections to drain. It
// is safe on a nil server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("stopping embedded bus")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
