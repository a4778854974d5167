// Package node wires the discovery service, the transfer engine and the
// per-peer session listeners onto one UDP socket and one TCP listener.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/denizsurmeli/netchat/internal/discovery"
	"github.com/denizsurmeli/netchat/internal/peer"
	"github.com/denizsurmeli/netchat/internal/transfer"
	"github.com/denizsurmeli/netchat/internal/wire"
)

// ErrUnknownPeer is returned when a display name resolves to no peer.
var ErrUnknownPeer = errors.New("unknown peer")

const (
	// mcastGroup is the fallback group joined for networks that filter
	// subnet broadcasts.
	mcastGroup = "239.255.42.42"

	readPoll    = time.Second
	dialTimeout = 5 * time.Second
	streamLimit = 256 * 1024
	maxDatagram = 64 * 1024
)

// Config defines node configuration, fixed at process start.
type Config struct {
	Name            string
	Port            int
	RecvDir         string
	BroadcastPeriod time.Duration
	PruningPeriod   time.Duration
	PacketTimeout   time.Duration
	TickInterval    time.Duration
	BatchSize       int
	Window          int
}

func DefaultConfig() Config {
	return Config{
		Port:            12345,
		RecvDir:         "./received",
		BroadcastPeriod: 60 * time.Second,
		PruningPeriod:   120 * time.Second,
		PacketTimeout:   time.Second,
		TickInterval:    100 * time.Millisecond,
		BatchSize:       1500,
		Window:          16,
	}
}

// Node is one netchat process: the shared peer table, the discovery
// service, the transfer engine and the listener loops feeding them.
type Node struct {
	cfg    Config
	logger *zap.Logger
	stats  tally.Scope
	clk    clock.Clock

	selfID   string
	selfAddr string

	table  *peer.Table
	disc   *discovery.Service
	engine *transfer.Engine

	udp *net.UDPConn
	pc  *ipv4.PacketConn
	ln  *net.TCPListener

	mu       sync.Mutex
	sessions map[string]*session

	chatFn func(addr, name, text string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, logger *zap.Logger, stats tally.Scope, clk clock.Clock) *Node {
	n := &Node{
		cfg:      cfg,
		logger:   logger,
		stats:    stats,
		clk:      clk,
		selfID:   uuid.NewString(),
		selfAddr: localIP(),
		table:    peer.NewTable(),
		sessions: make(map[string]*session),
	}
	n.disc = discovery.New(discovery.Config{
		Name:            cfg.Name,
		InstanceID:      n.selfID,
		SelfAddr:        n.selfAddr,
		BroadcastPeriod: cfg.BroadcastPeriod,
		PruningPeriod:   cfg.PruningPeriod,
	}, n.table, n, clk, stats.SubScope("discovery"), logger)
	n.disc.SetPeerHooks(n.startSession, n.retirePeer)

	n.engine = transfer.New(transfer.Config{
		BatchSize:     cfg.BatchSize,
		Window:        cfg.Window,
		PacketTimeout: cfg.PacketTimeout,
		TickInterval:  cfg.TickInterval,
		RecvDir:       cfg.RecvDir,
	}, n, clk, stats.SubScope("transfer"), logger)
	return n
}

// SetChatHandler registers the callback for inbound chat lines. Must be
// called before Start.
func (n *Node) SetChatHandler(fn func(addr, name, text string)) {
	n.chatFn = fn
}

// SetTransferHooks registers the transfer completion callbacks. Must be
// called before Start.
func (n *Node) SetTransferHooks(onSent func(peer, file string), onReceived func(peer, file, path string, err error)) {
	n.engine.OnSendComplete = onSent
	n.engine.OnReceiveComplete = onReceived
}

// Start binds the sockets and launches the listener loops, the discovery
// service and the transfer daemon.
func (n *Node) Start() error {
	udp, err := net.ListenUDP("udp4", &net.UDPAddr{Port: n.cfg.Port})
	if err != nil {
		return fmt.Errorf("bind udp %d: %w", n.cfg.Port, err)
	}
	if err := enableBroadcast(udp); err != nil {
		udp.Close()
		return fmt.Errorf("enable broadcast: %w", err)
	}
	n.udp = udp
	n.pc = ipv4.NewPacketConn(udp)
	n.joinMulticast()

	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: n.cfg.Port})
	if err != nil {
		udp.Close()
		return fmt.Errorf("bind tcp %d: %w", n.cfg.Port, err)
	}
	n.ln = ln

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.logger.Info("Node up",
		zap.String("name", n.cfg.Name),
		zap.String("addr", n.selfAddr),
		zap.Int("port", n.cfg.Port))

	n.wg.Add(4)
	go func() { defer n.wg.Done(); n.udpLoop() }()
	go func() { defer n.wg.Done(); n.tcpLoop() }()
	go func() { defer n.wg.Done(); n.disc.Run(n.ctx) }()
	go func() { defer n.wg.Done(); n.engine.Run(n.ctx) }()
	return nil
}

// Stop requests shutdown and waits for every loop to observe it. The
// listener loops poll with short deadlines, so nothing blocks past one
// cycle.
func (n *Node) Stop() {
	if n.cancel == nil {
		return
	}
	n.logger.Info("Terminating")
	n.cancel()
	n.wg.Wait()
	n.udp.Close()
	n.ln.Close()
}

// joinMulticast joins the fallback group on every usable interface and
// raises the TTL, same as it raises on the sending side.
func (n *Node) joinMulticast() {
	group := &net.UDPAddr{IP: net.ParseIP(mcastGroup)}
	ifaces, err := net.Interfaces()
	if err != nil {
		n.logger.Warn("Interface enumeration failed", zap.Error(err))
		return
	}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if err := n.pc.JoinGroup(&iface, group); err != nil {
			n.logger.Debug("Multicast join failed",
				zap.String("iface", iface.Name), zap.Error(err))
		}
	}
	n.pc.SetMulticastTTL(4)
}

func (n *Node) udpLoop() {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}
		n.udp.SetReadDeadline(time.Now().Add(readPoll))
		sz, raddr, err := n.udp.ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			select {
			case <-n.ctx.Done():
				return
			default:
				n.logger.Error("Datagram read failed", zap.Error(err))
				continue
			}
		}
		n.inbound(raddr.IP.String(), buf[:sz], false)
	}
}

func (n *Node) tcpLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}
		n.ln.SetDeadline(time.Now().Add(readPoll))
		conn, err := n.ln.AcceptTCP()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			select {
			case <-n.ctx.Done():
				return
			default:
				n.logger.Error("Accept failed", zap.Error(err))
				continue
			}
		}
		go n.handleConn(conn)
	}
}

// handleConn reads the single message carried by one stream connection.
func (n *Node) handleConn(conn *net.TCPConn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	data, err := io.ReadAll(io.LimitReader(conn, streamLimit))
	if err != nil {
		n.logger.Warn("Stream read failed",
			zap.String("addr", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}
	n.inbound(host, data, true)
}

// inbound decodes one payload and routes it: known peers get it through
// their session listeners, membership traffic from strangers goes to
// discovery, anything else from a stranger is dropped.
func (n *Node) inbound(addr string, data []byte, stream bool) {
	msg, err := wire.Decode(data)
	if err != nil {
		n.stats.Counter("malformed_messages").Inc(1)
		n.logger.Warn("Dropping malformed message",
			zap.String("addr", addr), zap.Error(err))
		return
	}

	n.table.Touch(addr, n.clk.Now())
	if s := n.getSession(addr); s != nil {
		s.deliver(msg, stream)
		return
	}

	switch v := msg.(type) {
	case wire.Hello:
		n.disc.HandleHello(addr, v.Name, v.ID)
	case wire.HelloAck:
		n.disc.HandleHelloAck(addr, v.Name, v.ID)
	case wire.Chat:
		// Chat is accepted from strangers too and shown as such.
		n.dispatch(addr, v)
	default:
		n.logger.Debug("Dropping transfer message from unknown peer",
			zap.String("addr", addr),
			zap.Stringer("kind", msg.Kind()))
	}
}

// Broadcast sends the beacon to the limited broadcast address, every
// directed subnet broadcast and the multicast fallback group.
func (n *Node) Broadcast(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	dests := append(broadcastAddrs(), net.IPv4bcast, net.ParseIP(mcastGroup))
	var lastErr error
	sent := 0
	for _, ip := range dests {
		if _, err := n.udp.WriteToUDP(data, &net.UDPAddr{IP: ip, Port: n.cfg.Port}); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return lastErr
	}
	return nil
}

// SendDatagram sends one message over the connectionless channel.
func (n *Node) SendDatagram(addr string, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("invalid peer address %q", addr)
	}
	_, err = n.udp.WriteToUDP(data, &net.UDPAddr{IP: ip, Port: n.cfg.Port})
	return err
}

// SendStream dials the peer and sends one message per connection:
// connect, write, close.
func (n *Node) SendStream(addr string, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(n.cfg.Port)), dialTimeout)
	if err != nil {
		return fmt.Errorf("peer unreachable: %w", err)
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if _, err := conn.Write(data); err != nil {
		return err
	}
	return nil
}

// Peers returns the current peer table contents.
func (n *Node) Peers() []peer.Record {
	return n.table.Snapshot()
}

// Whoami reports this node's display name and address.
func (n *Node) Whoami() (name, addr string) {
	return n.cfg.Name, n.selfAddr
}

// Probe sends a hello to an explicit address.
func (n *Node) Probe(addr string) error {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid address %q", addr)
	}
	if addr == n.selfAddr {
		return fmt.Errorf("refusing to probe self")
	}
	return n.disc.Probe(addr)
}

// SendChat delivers one chat line to a peer looked up by display name.
func (n *Node) SendChat(name, text string) error {
	rec, ok := n.table.FindByName(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownPeer)
	}
	return n.SendStream(rec.Addr, wire.Chat{Text: text})
}

// SendFile starts a reliable file transfer to a peer looked up by
// display name.
func (n *Node) SendFile(name, path string) error {
	rec, ok := n.table.FindByName(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownPeer)
	}
	return n.engine.StartSend(rec.Addr, path)
}

// localIP picks the first non-loopback IPv4 address.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "127.0.0.1"
}

// broadcastAddrs computes the directed broadcast address of every up,
// non-loopback IPv4 network.
func broadcastAddrs() []net.IP {
	var out []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			bcast := make(net.IP, net.IPv4len)
			for i := 0; i < net.IPv4len; i++ {
				bcast[i] = ip[i] | ^mask[i]
			}
			out = append(out, bcast)
		}
	}
	return out
}
