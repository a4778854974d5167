package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuplicateChunkIsNoOp(t *testing.T) {
	ctx := newReceiveContext("10.0.0.2", "f.bin", 16)
	ctx.onControl(3)

	ack, dup := ctx.onChunk(1, []byte("one"))
	assert.False(t, dup)
	assert.Equal(t, 2, ack.Credit)
	assert.Equal(t, 1, ctx.receivedCount())

	// Same chunk again: state unchanged, ack still produced.
	ack, dup = ctx.onChunk(1, []byte("one"))
	assert.True(t, dup)
	assert.Equal(t, 2, ack.Credit)
	assert.Equal(t, 1, ctx.receivedCount())
}

func TestDataBeforeControlIsBuffered(t *testing.T) {
	ctx := newReceiveContext("10.0.0.2", "f.bin", 16)

	ack, _ := ctx.onChunk(2, []byte("two"))
	assert.Equal(t, 15, ack.Credit) // count unknown: window-derived credit
	assert.False(t, ctx.complete())

	ctx.onControl(2)
	assert.False(t, ctx.complete())

	ack, _ = ctx.onChunk(1, []byte("one"))
	assert.Equal(t, 0, ack.Credit)
	assert.True(t, ctx.complete())
}

func TestRepeatControlChunkKeepsFirstCount(t *testing.T) {
	ctx := newReceiveContext("10.0.0.2", "f.bin", 16)
	ctx.onControl(3)
	ctx.onControl(7)
	assert.Equal(t, 3, ctx.count)
}

func TestAssembleOrdersBySequence(t *testing.T) {
	ctx := newReceiveContext("10.0.0.2", "f.bin", 16)
	ctx.onControl(3)
	ctx.onChunk(3, []byte("ccc"))
	ctx.onChunk(1, []byte("aaa"))
	ctx.onChunk(2, []byte("bbb"))
	require.True(t, ctx.complete())

	dest := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, ctx.assemble(dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaabbbccc"), data)
}

func TestEmptyTransferCompletesImmediately(t *testing.T) {
	ctx := newReceiveContext("10.0.0.2", "empty.bin", 16)
	ctx.onControl(0)
	require.True(t, ctx.complete())

	dest := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, ctx.assemble(dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Empty(t, data)
}
