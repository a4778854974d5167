// Package transfer implements the sliding-window reliable file transfer
// protocol: per (peer, file) send and receive state machines, the
// retransmission daemon and the acknowledgement paths.
package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/denizsurmeli/netchat/internal/wire"
)

// Config defines transfer engine configuration.
type Config struct {
	BatchSize     int
	Window        int
	PacketTimeout time.Duration
	TickInterval  time.Duration
	RecvDir       string
}

func (c Config) applyDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = 1500
	}
	if c.Window == 0 {
		c.Window = 16
	}
	if c.PacketTimeout == 0 {
		c.PacketTimeout = time.Second
	}
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.RecvDir == "" {
		c.RecvDir = "./received"
	}
	return c
}

// Transport is the slice of node I/O the engine needs: datagrams for
// chunks, one-shot stream sends for acks.
type Transport interface {
	SendDatagram(addr string, m wire.Message) error
	SendStream(addr string, m wire.Message) error
}

type key struct {
	peer string
	file string
}

// Engine owns all transfer contexts and the daemon that drives outbound
// sends and retransmissions.
type Engine struct {
	cfg       Config
	transport Transport
	clk       clock.Clock
	stats     tally.Scope
	logger    *zap.Logger

	smu   sync.Mutex
	sends map[key]*SendContext
	rmu   sync.Mutex
	recvs map[key]*ReceiveContext

	// Completion notifications for the user-facing layer. Set before Run.
	OnSendComplete    func(peerAddr, fileID string)
	OnReceiveComplete func(peerAddr, fileID, path string, err error)
}

func New(cfg Config, tr Transport, clk clock.Clock, stats tally.Scope, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg.applyDefaults(),
		transport: tr,
		clk:       clk,
		stats:     stats,
		logger:    logger,
		sends:     make(map[key]*SendContext),
		recvs:     make(map[key]*ReceiveContext),
	}
}

// Run drives the daemon at a steady interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clk.Ticker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// StartSend loads the file, creates the send context and announces the
// chunk count with the one-shot control chunk. The control chunk is not
// windowed and not retried.
func (e *Engine) StartSend(peerAddr, path string) error {
	ctx, err := newSendContext(peerAddr, path, e.cfg.BatchSize, e.cfg.Window)
	if err != nil {
		return err
	}

	k := key{peer: peerAddr, file: ctx.FileID()}
	e.smu.Lock()
	if _, busy := e.sends[k]; busy {
		e.smu.Unlock()
		return ErrTransferActive
	}
	e.sends[k] = ctx
	e.smu.Unlock()

	e.stats.Counter("sends_started").Inc(1)
	e.logger.Info("Starting file send",
		zap.String("peer", peerAddr),
		zap.String("file", ctx.FileID()),
		zap.Int("chunks", ctx.count))

	if err := e.transport.SendDatagram(peerAddr, ctx.controlChunk()); err != nil {
		// Treated like datagram loss: the receiver never learns the
		// count and the transfer stalls until the user retries.
		e.logger.Warn("Control chunk not delivered",
			zap.String("peer", peerAddr),
			zap.String("file", ctx.FileID()),
			zap.Error(err))
	}
	return nil
}

// tick runs one daemon cycle: retransmit overdue chunks, fill windows,
// retire completed sends.
func (e *Engine) tick() {
	now := e.clk.Now()

	e.smu.Lock()
	active := make(map[key]*SendContext, len(e.sends))
	for k, ctx := range e.sends {
		active[k] = ctx
	}
	e.smu.Unlock()

	for k, ctx := range active {
		chunks, retransmitted := ctx.tick(now, e.cfg.PacketTimeout)
		if retransmitted > 0 {
			e.stats.Counter("chunks_retransmitted").Inc(int64(retransmitted))
		}
		for _, chunk := range chunks {
			if err := e.transport.SendDatagram(ctx.Peer(), chunk); err != nil {
				e.logger.Warn("Chunk send failed",
					zap.String("peer", ctx.Peer()),
					zap.String("file", ctx.FileID()),
					zap.Int("seq", chunk.Seq),
					zap.Error(err))
				continue
			}
			e.stats.Counter("chunks_sent").Inc(1)
		}

		if ctx.complete() {
			e.smu.Lock()
			delete(e.sends, k)
			e.smu.Unlock()
			e.stats.Counter("sends_completed").Inc(1)
			e.logger.Info("File send complete",
				zap.String("peer", ctx.Peer()),
				zap.String("file", ctx.FileID()))
			if e.OnSendComplete != nil {
				e.OnSendComplete(ctx.Peer(), ctx.FileID())
			}
		}
	}
}

// OnAck applies an inbound acknowledgement to its send context. An ack
// for an unknown transfer is dropped: its control chunk may simply not
// have gone out yet, or the send already completed.
func (e *Engine) OnAck(peerAddr, fileID string, seq, credit int) {
	e.smu.Lock()
	ctx, ok := e.sends[key{peer: peerAddr, file: fileID}]
	e.smu.Unlock()
	if !ok {
		e.stats.Counter("unknown_transfer").Inc(1)
		e.logger.Debug("Ack for unknown transfer",
			zap.String("peer", peerAddr),
			zap.String("file", fileID),
			zap.Int("seq", seq))
		return
	}

	if ctx.onAck(seq, credit) {
		e.stats.Counter("acks_received").Inc(1)
	} else {
		e.stats.Counter("acks_duplicate").Inc(1)
	}
}

// OnChunk applies an inbound data or control chunk, creating the receive
// context on first contact. Every data chunk is acknowledged over the
// stream channel, duplicates included, so a lost ack is repaired by the
// sender's retransmission.
func (e *Engine) OnChunk(peerAddr, fileID string, seq int, payload []byte, count int) {
	k := key{peer: peerAddr, file: fileID}
	e.rmu.Lock()
	ctx, ok := e.recvs[k]
	if !ok {
		ctx = newReceiveContext(peerAddr, fileID, e.cfg.Window)
		e.recvs[k] = ctx
		e.stats.Counter("receives_started").Inc(1)
		e.logger.Info("Receiving file",
			zap.String("peer", peerAddr),
			zap.String("file", fileID))
	}
	e.rmu.Unlock()

	if seq == 0 {
		ctx.onControl(count)
	} else {
		ack, dup := ctx.onChunk(seq, payload)
		if dup {
			e.stats.Counter("chunks_duplicate").Inc(1)
		} else {
			e.stats.Counter("chunks_received").Inc(1)
		}
		if err := e.transport.SendStream(peerAddr, ack); err != nil {
			e.logger.Warn("Ack send failed",
				zap.String("peer", peerAddr),
				zap.String("file", fileID),
				zap.Int("seq", seq),
				zap.Error(err))
		}
	}

	if ctx.complete() {
		e.finishReceive(k, ctx)
	}
}

func (e *Engine) finishReceive(k key, ctx *ReceiveContext) {
	e.rmu.Lock()
	if _, ok := e.recvs[k]; !ok {
		e.rmu.Unlock()
		return
	}
	delete(e.recvs, k)
	e.rmu.Unlock()

	dest := filepath.Join(e.cfg.RecvDir, filepath.Base(ctx.fileID))
	err := os.MkdirAll(e.cfg.RecvDir, 0755)
	if err == nil {
		err = ctx.assemble(dest)
	}
	if err != nil {
		// The sender cannot re-drive a fully acked transfer, so the
		// context is discarded either way.
		e.stats.Counter("receives_failed").Inc(1)
		e.logger.Error("File assembly failed",
			zap.String("peer", k.peer),
			zap.String("file", k.file),
			zap.Error(err))
	} else {
		e.stats.Counter("receives_completed").Inc(1)
		e.logger.Info("File received",
			zap.String("peer", k.peer),
			zap.String("file", k.file),
			zap.String("dest", dest))
	}
	if e.OnReceiveComplete != nil {
		e.OnReceiveComplete(k.peer, k.file, dest, err)
	}
}

// DropPeer discards all transfer state for a pruned peer.
func (e *Engine) DropPeer(peerAddr string) {
	e.smu.Lock()
	for k := range e.sends {
		if k.peer == peerAddr {
			delete(e.sends, k)
		}
	}
	e.smu.Unlock()

	e.rmu.Lock()
	for k := range e.recvs {
		if k.peer == peerAddr {
			delete(e.recvs, k)
		}
	}
	e.rmu.Unlock()
}

// ActiveSends reports the number of in-progress outbound transfers.
func (e *Engine) ActiveSends() int {
	e.smu.Lock()
	defer e.smu.Unlock()
	return len(e.sends)
}

// ActiveReceives reports the number of in-progress inbound transfers.
func (e *Engine) ActiveReceives() int {
	e.rmu.Lock()
	defer e.rmu.Unlock()
	return len(e.recvs)
}
