package transfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFile writes size deterministic bytes under a temp dir and returns
// the path and the content.
func testFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func TestNewSendContextSplitsFile(t *testing.T) {
	path, data := testFile(t, "notes.txt", 3*1500+17)

	ctx, err := newSendContext("10.0.0.2", path, 1500, 16)
	require.NoError(t, err)

	assert.Equal(t, "notes.txt", ctx.FileID())
	assert.Equal(t, "10.0.0.2", ctx.Peer())
	require.Equal(t, 4, ctx.count)
	assert.Len(t, ctx.chunks[0], 1500)
	assert.Len(t, ctx.chunks[3], 17)
	assert.Equal(t, data, bytes.Join(ctx.chunks, nil))

	ctl := ctx.controlChunk()
	assert.Equal(t, 0, ctl.Seq)
	assert.Equal(t, 4, ctl.Count)
}

func TestNewSendContextMissingFile(t *testing.T) {
	_, err := newSendContext("10.0.0.2", filepath.Join(t.TempDir(), "gone"), 1500, 16)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestNewSendContextUnreadablePath(t *testing.T) {
	_, err := newSendContext("10.0.0.2", t.TempDir(), 1500, 16)
	assert.ErrorIs(t, err, ErrFileUnreadable)
}

func TestTickFillsWindowInOrder(t *testing.T) {
	path, _ := testFile(t, "big.bin", 10*100)
	ctx, err := newSendContext("10.0.0.2", path, 100, 3)
	require.NoError(t, err)

	now := time.Now()
	chunks, retransmitted := ctx.tick(now, time.Second)
	require.Len(t, chunks, 3)
	assert.Equal(t, 0, retransmitted)
	for i, c := range chunks {
		assert.Equal(t, i+1, c.Seq)
	}
	assert.Equal(t, 3, ctx.inflightCount())

	// Window full, nothing overdue: the next tick is a no-op.
	chunks, _ = ctx.tick(now, time.Second)
	assert.Empty(t, chunks)

	// One ack frees one window slot.
	assert.True(t, ctx.onAck(1, 3))
	chunks, _ = ctx.tick(now, time.Second)
	require.Len(t, chunks, 1)
	assert.Equal(t, 4, chunks[0].Seq)
	assert.LessOrEqual(t, ctx.inflightCount(), ctx.currentCredit())
}

func TestTickRetransmitsOverdueChunks(t *testing.T) {
	path, _ := testFile(t, "big.bin", 300)
	ctx, err := newSendContext("10.0.0.2", path, 100, 8)
	require.NoError(t, err)

	now := time.Now()
	first, _ := ctx.tick(now, time.Second)
	require.Len(t, first, 3)

	// Past the timeout every in-flight chunk goes out again, same
	// sequence numbers, same payloads.
	later := now.Add(1100 * time.Millisecond)
	resent, retransmitted := ctx.tick(later, time.Second)
	require.Len(t, resent, 3)
	assert.Equal(t, 3, retransmitted)
	for i := range first {
		assert.Equal(t, first[i].Seq, resent[i].Seq)
		assert.Equal(t, first[i].Payload, resent[i].Payload)
	}

	// The resend refreshed the timestamps.
	chunks, _ := ctx.tick(later.Add(100*time.Millisecond), time.Second)
	assert.Empty(t, chunks)
}

func TestOnAckIsIdempotent(t *testing.T) {
	path, _ := testFile(t, "f.bin", 300)
	ctx, err := newSendContext("10.0.0.2", path, 100, 8)
	require.NoError(t, err)
	ctx.tick(time.Now(), time.Second)

	assert.True(t, ctx.onAck(2, 5))
	before := ctx.inflightCount()

	assert.False(t, ctx.onAck(2, 5))
	assert.Equal(t, before, ctx.inflightCount())
	assert.Len(t, ctx.acked, 1)
	assert.Equal(t, 5, ctx.currentCredit())
}

func TestCompleteWhenAllChunksAcked(t *testing.T) {
	path, _ := testFile(t, "f.bin", 250)
	ctx, err := newSendContext("10.0.0.2", path, 100, 8)
	require.NoError(t, err)
	ctx.tick(time.Now(), time.Second)

	assert.False(t, ctx.complete())
	ctx.onAck(1, 2)
	ctx.onAck(2, 1)
	assert.False(t, ctx.complete())
	ctx.onAck(3, 0)
	assert.True(t, ctx.complete())
	assert.Equal(t, 0, ctx.inflightCount())
}
