package node

import (
	"context"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/denizsurmeli/netchat/internal/wire"
)

func testNode(t *testing.T) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = "A"
	cfg.RecvDir = t.TempDir()
	return New(cfg, zap.NewNop(), tally.NoopScope, clock.NewMock())
}

func TestDispatchChatResolvesDisplayName(t *testing.T) {
	n := testNode(t)

	var gotName, gotText string
	n.SetChatHandler(func(addr, name, text string) {
		gotName, gotText = name, text
	})

	n.table.Upsert("10.0.0.2", "B", time.Now())
	n.dispatch("10.0.0.2", wire.Chat{Text: "hi"})
	assert.Equal(t, "B", gotName)
	assert.Equal(t, "hi", gotText)

	n.dispatch("10.0.0.9", wire.Chat{Text: "who dis"})
	assert.Equal(t, "UNKNOWN_HOST", gotName)
}

func TestDispatchRoutesControlChunkToEngine(t *testing.T) {
	n := testNode(t)

	n.dispatch("10.0.0.2", wire.FileChunk{FileID: "f.bin", Seq: 0, Count: 5})
	assert.Equal(t, 1, n.engine.ActiveReceives())

	// An ack with no matching send context is dropped silently.
	n.dispatch("10.0.0.2", wire.FileAck{FileID: "ghost", Seq: 1, Credit: 3})
}

func TestSendChatToUnknownPeer(t *testing.T) {
	n := testNode(t)
	assert.ErrorIs(t, n.SendChat("nobody", "hello?"), ErrUnknownPeer)
	assert.ErrorIs(t, n.SendFile("nobody", "f.bin"), ErrUnknownPeer)
}

func TestProbeValidatesAddress(t *testing.T) {
	n := testNode(t)
	assert.Error(t, n.Probe("not-an-ip"))
	assert.Error(t, n.Probe("fe80::1"))
	assert.Error(t, n.Probe(n.selfAddr))
}

func TestSessionDeliverRoutesByChannel(t *testing.T) {
	s := &session{
		addr:   "10.0.0.2",
		logger: zap.NewNop(),
		stream: make(chan wire.Message, 1),
		dgram:  make(chan wire.Message, 1),
	}

	s.deliver(wire.Chat{Text: "tcp"}, true)
	s.deliver(wire.FileChunk{FileID: "f", Seq: 1}, false)

	assert.Equal(t, wire.Chat{Text: "tcp"}, <-s.stream)
	assert.Equal(t, wire.FileChunk{FileID: "f", Seq: 1}, <-s.dgram)

	// A full queue drops rather than blocking the listener.
	s.dgram <- wire.Chat{Text: "fill"}
	s.deliver(wire.Chat{Text: "overflow"}, false)
	assert.Len(t, s.dgram, 1)
}

func TestSessionLoopStopsOnCancel(t *testing.T) {
	s := &session{
		addr:   "10.0.0.2",
		logger: zap.NewNop(),
		dgram:  make(chan wire.Message, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan wire.Message, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.loop(ctx, s.dgram, func(addr string, m wire.Message) { got <- m })
	}()

	s.dgram <- wire.Chat{Text: "one"}
	require.Equal(t, wire.Chat{Text: "one"}, <-got)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session loop did not stop on cancel")
	}
}

func TestRetirePeerIsIdempotent(t *testing.T) {
	n := testNode(t)
	n.ctx, n.cancel = context.WithCancel(context.Background())
	defer n.cancel()

	n.startSession("10.0.0.2")
	require.NotNil(t, n.getSession("10.0.0.2"))
	n.startSession("10.0.0.2") // no-op

	n.retirePeer("10.0.0.2")
	assert.Nil(t, n.getSession("10.0.0.2"))
	n.retirePeer("10.0.0.2") // already gone
}

func TestBroadcastAddrsAreIPv4(t *testing.T) {
	for _, ip := range broadcastAddrs() {
		assert.NotNil(t, ip.To4())
	}
}
