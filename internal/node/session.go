package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/denizsurmeli/netchat/internal/wire"
)

// session is the pair of per-peer listener loops. Each loop drains its
// own channel (one for stream-delivered messages, one for datagrams) and
// both are cancelled together when the peer is pruned or the node shuts
// down.
type session struct {
	addr   string
	logger *zap.Logger
	cancel context.CancelFunc
	stream chan wire.Message
	dgram  chan wire.Message
}

func (n *Node) getSession(addr string) *session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[addr]
}

// startSession spawns the peer's two listener loops. Idempotent: a peer
// greeting us repeatedly keeps its existing session.
func (n *Node) startSession(addr string) {
	n.mu.Lock()
	if _, running := n.sessions[addr]; running {
		n.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(n.ctx)
	s := &session{
		addr:   addr,
		logger: n.logger,
		cancel: cancel,
		stream: make(chan wire.Message, 64),
		dgram:  make(chan wire.Message, 64),
	}
	n.sessions[addr] = s
	n.mu.Unlock()

	n.logger.Info("Session listeners started", zap.String("addr", addr))
	go s.loop(ctx, s.stream, n.dispatch)
	go s.loop(ctx, s.dgram, n.dispatch)
}

// retirePeer tears down a pruned peer's session and discards its
// transfer state.
func (n *Node) retirePeer(addr string) {
	n.mu.Lock()
	s := n.sessions[addr]
	delete(n.sessions, addr)
	n.mu.Unlock()

	if s != nil {
		s.cancel()
		n.logger.Info("Session listeners retired", zap.String("addr", addr))
	}
	n.engine.DropPeer(addr)
}

func (s *session) loop(ctx context.Context, ch <-chan wire.Message, dispatch func(addr string, m wire.Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-ch:
			dispatch(s.addr, m)
		}
	}
}

// deliver hands an inbound message to the listener for its channel kind.
// A full queue drops the message; the transfer protocol repairs the loss
// by retransmission.
func (s *session) deliver(m wire.Message, stream bool) {
	ch := s.dgram
	if stream {
		ch = s.stream
	}
	select {
	case ch <- m:
	default:
		s.logger.Warn("Session queue full, dropping message",
			zap.String("addr", s.addr),
			zap.Stringer("kind", m.Kind()))
	}
}

// dispatch routes one decoded message by discriminant: membership to the
// discovery service, chat to the chat handler, transfer traffic to the
// engine.
func (n *Node) dispatch(addr string, m wire.Message) {
	switch v := m.(type) {
	case wire.Hello:
		n.disc.HandleHello(addr, v.Name, v.ID)
	case wire.HelloAck:
		n.disc.HandleHelloAck(addr, v.Name, v.ID)
	case wire.Chat:
		name := "UNKNOWN_HOST"
		if rec, ok := n.table.Get(addr); ok {
			name = rec.Name
		}
		if n.chatFn != nil {
			n.chatFn(addr, name, v.Text)
		}
	case wire.FileChunk:
		n.engine.OnChunk(addr, v.FileID, v.Seq, v.Payload, v.Count)
	case wire.FileAck:
		n.engine.OnAck(addr, v.FileID, v.Seq, v.Credit)
	}
}
