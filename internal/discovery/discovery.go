// Package discovery implements peer discovery and membership: the
// periodic hello beacon, beacon/response handling and stale-peer pruning.
package discovery

import (
	"context"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/denizsurmeli/netchat/internal/peer"
	"github.com/denizsurmeli/netchat/internal/wire"
)

// Config defines discovery configuration.
type Config struct {
	Name            string
	InstanceID      string
	SelfAddr        string
	BroadcastPeriod time.Duration
	PruningPeriod   time.Duration
	SweepPeriod     time.Duration
}

func (c Config) applyDefaults() Config {
	if c.BroadcastPeriod == 0 {
		c.BroadcastPeriod = 60 * time.Second
	}
	if c.PruningPeriod == 0 {
		c.PruningPeriod = 120 * time.Second
	}
	if c.SweepPeriod == 0 {
		c.SweepPeriod = time.Second
	}
	return c
}

// Transport is the slice of node I/O discovery needs: the connectionless
// beacon and one-shot stream sends for replies and probes.
type Transport interface {
	Broadcast(m wire.Message) error
	SendStream(addr string, m wire.Message) error
}

// Service owns the beacon loop and the pruning sweep, and maintains the
// peer table from inbound hello traffic.
type Service struct {
	cfg       Config
	table     *peer.Table
	transport Transport
	clk       clock.Clock
	stats     tally.Scope
	logger    *zap.Logger

	onPeerUp   func(addr string)
	onPeerDown func(addr string)
}

func New(cfg Config, table *peer.Table, tr Transport, clk clock.Clock, stats tally.Scope, logger *zap.Logger) *Service {
	return &Service{
		cfg:       cfg.applyDefaults(),
		table:     table,
		transport: tr,
		clk:       clk,
		stats:     stats,
		logger:    logger,
	}
}

// SetPeerHooks registers the session lifecycle callbacks: up fires on
// first contact with a new peer, down fires when a peer is pruned. Must
// be called before Run.
func (s *Service) SetPeerHooks(up, down func(addr string)) {
	s.onPeerUp = up
	s.onPeerDown = down
}

// Run emits a beacon immediately, then every BroadcastPeriod, and sweeps
// the table every SweepPeriod. It returns when ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	beacons := s.clk.Ticker(s.cfg.BroadcastPeriod)
	defer beacons.Stop()
	sweeps := s.clk.Ticker(s.cfg.SweepPeriod)
	defer sweeps.Stop()

	s.beacon()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beacons.C:
			s.beacon()
		case <-sweeps.C:
			s.sweep()
		}
	}
}

func (s *Service) beacon() {
	msg := wire.Hello{Name: s.cfg.Name, ID: s.cfg.InstanceID}
	if err := s.transport.Broadcast(msg); err != nil {
		s.logger.Error("Beacon broadcast failed", zap.Error(err))
		return
	}
	s.stats.Counter("beacons_sent").Inc(1)
	s.logger.Debug("Beacon sent", zap.String("name", s.cfg.Name))
}

func (s *Service) sweep() {
	removed := s.table.Prune(s.clk.Now(), s.cfg.PruningPeriod)
	for _, rec := range removed {
		s.stats.Counter("peers_pruned").Inc(1)
		s.logger.Info("Pruning peer due to inactivity",
			zap.String("addr", rec.Addr),
			zap.String("name", rec.Name))
		if s.onPeerDown != nil {
			s.onPeerDown(rec.Addr)
		}
	}
}

// Probe sends a hello to an explicit address over the stream channel,
// inviting it into the peer table.
func (s *Service) Probe(addr string) error {
	return s.transport.SendStream(addr, wire.Hello{Name: s.cfg.Name, ID: s.cfg.InstanceID})
}

// HandleHello processes an inbound hello: upsert the peer, start its
// session if new, and answer with a hello ack over the stream channel.
func (s *Service) HandleHello(addr, name, id string) {
	if s.isSelf(addr, id) {
		return
	}
	s.logger.Info("Peer reached out to say hello",
		zap.String("addr", addr), zap.String("name", name))
	s.upsert(addr, name)

	ack := wire.HelloAck{Name: s.cfg.Name, ID: s.cfg.InstanceID}
	if err := s.transport.SendStream(addr, ack); err != nil {
		s.logger.Warn("Hello ack not delivered",
			zap.String("addr", addr), zap.Error(err))
	}
}

// HandleHelloAck processes a discovery response. The peer's session is
// started on first contact in either direction, so this also fires the
// up hook for a previously unknown peer.
func (s *Service) HandleHelloAck(addr, name, id string) {
	if s.isSelf(addr, id) {
		return
	}
	s.logger.Info("Peer answered hello",
		zap.String("addr", addr), zap.String("name", name))
	s.upsert(addr, name)
}

func (s *Service) upsert(addr, name string) {
	_, known := s.table.Get(addr)
	s.table.Upsert(addr, name, s.clk.Now())
	if !known {
		s.stats.Counter("peers_discovered").Inc(1)
		if s.onPeerUp != nil {
			s.onPeerUp(addr)
		}
	}
}

func (s *Service) isSelf(addr, id string) bool {
	if id != "" && id == s.cfg.InstanceID {
		return true
	}
	return addr == s.cfg.SelfAddr
}
