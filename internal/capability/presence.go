package capability

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectPresenceAnnounce  = "bridge.presence.announce"
	SubjectPresenceHeartbeat = "bridge.presence.heartbeat."
)

// Announcement is what a bridge advertises about itself on the bus.
type Announcement struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Families  []string  `json:"families"`
	Voices    int       `json:"voices"`
	Transport []string  `json:"transport,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BridgeInfo is the last known state of one bridge.
type BridgeInfo struct {
	Announcement
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// Bus is the subset of the bus client presence needs.
type Bus interface {
	PublishJSON(subject string, v any) error
	Subscribe(subject string, fn func(data []byte)) error
}

type PresenceOptions struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Presence tracks running bridges from their announcements and heartbeats.
// When self is non-nil the local bridge takes part too: it announces once
// and then sends its current state with every heartbeat.
type Presence struct {
	bus  Bus
	self func() Announcement
	opts PresenceOptions
	log  *slog.Logger

	mu     sync.RWMutex
	bridge map[string]*BridgeInfo
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  func() time.Time
}

func NewPresence(bus Bus, self func() Announcement, opts PresenceOptions, log *slog.Logger) *Presence {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.HeartbeatTimeout < opts.HeartbeatInterval {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}
	p := &Presence{
		bus:    bus,
		self:   self,
		opts:   opts,
		log:    log.With(slog.String("component", "presence")),
		bridge: make(map[string]*BridgeInfo),
		clock:  time.Now,
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p
}

func (p *Presence) Start(ctx context.Context) error {
	if err := p.bus.Subscribe(SubjectPresenceAnnounce, p.handle); err != nil {
		return err
	}
	if err := p.bus.Subscribe(SubjectPresenceHeartbeat+"*", p.handle); err != nil {
		return err
	}

	ctx, p.cancel = context.WithCancel(ctx)
	if p.self != nil {
		if err := p.publish(true); err != nil {
			p.log.Warn("failed to announce bridge", slog.String("error", err.Error()))
		}
		p.wg.Add(1)
		go p.runHeartbeat(ctx)
	}
	p.wg.Add(1)
	go p.monitorHealth(ctx)
	return nil
}

func (p *Presence) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Presence) publish(announce bool) error {
	msg := p.self()
	msg.Timestamp = p.clock().UTC()
	subject := SubjectPresenceHeartbeat + msg.ID
	if announce {
		subject = SubjectPresenceAnnounce
	}
	p.update(msg)
	return p.bus.PublishJSON(subject, msg)
}

func (p *Presence) runHeartbeat(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publish(false); err != nil {
				p.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (p *Presence) monitorHealth(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evaluateHealth()
		}
	}
}

func (p *Presence) handle(data []byte) {
	var msg Announcement
	if err := json.Unmarshal(data, &msg); err != nil {
		p.log.Warn("invalid presence message", slog.String("error", err.Error()))
		return
	}
	if msg.ID == "" {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.clock().UTC()
	}
	p.update(msg)
}

func (p *Presence) update(msg Announcement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.bridge[msg.ID]
	if !ok {
		info = &BridgeInfo{}
		p.bridge[msg.ID] = info
		p.log.Debug("bridge discovered", slog.String("id", msg.ID), slog.String("name", msg.Name))
	}
	info.Announcement = msg
	info.LastSeen = p.clock()
	info.Healthy = true
}

func (p *Presence) evaluateHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	for _, info := range p.bridge {
		if now.Sub(info.LastSeen) > p.opts.HeartbeatTimeout {
			info.Healthy = false
		}
	}
}

// Bridges returns every known bridge, the local one included, sorted by
// name then id.
func (p *Presence) Bridges() []BridgeInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]BridgeInfo, 0, len(p.bridge))
	for _, info := range p.bridge {
		c := *info
		c.Families = append([]string(nil), info.Families...)
		c.Transport = append([]string(nil), info.Transport...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *Presence) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-bridge/capability")
	gauge, err := meter.Int64ObservableGauge("bridge.presence.bridges", metric.WithDescription("Healthy bridges seen on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		p.mu.RLock()
		defer p.mu.RUnlock()
		var healthy int64
		for _, info := range p.bridge {
			if info.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	return err
}
