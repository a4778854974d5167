package transfer

import (
	"bytes"
	"os"
	"sort"
	"sync"

	"github.com/denizsurmeli/netchat/internal/wire"
)

// ReceiveContext tracks one inbound (peer, file) transfer. The total
// chunk count is unknown until the sequence-0 control chunk arrives;
// data chunks received before that are buffered.
type ReceiveContext struct {
	peer   string
	fileID string
	window int

	mu     sync.Mutex
	count  int
	known  bool
	chunks map[int][]byte
}

func newReceiveContext(peerAddr, fileID string, window int) *ReceiveContext {
	return &ReceiveContext{
		peer:   peerAddr,
		fileID: fileID,
		window: window,
		chunks: make(map[int][]byte),
	}
}

// onControl records the announced chunk count. A repeat announcement is
// ignored.
func (c *ReceiveContext) onControl(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.known {
		c.count = count
		c.known = true
	}
}

// onChunk stores one data chunk, idempotently, and builds the ack to
// return to the sender. The ack goes back even for duplicates so that a
// lost ack is repaired by the sender's retransmission. Returns the ack
// and whether the chunk was a duplicate.
func (c *ReceiveContext) onChunk(seq int, payload []byte) (wire.FileAck, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, dup := c.chunks[seq]
	if !dup {
		c.chunks[seq] = payload
	}
	return wire.FileAck{FileID: c.fileID, Seq: seq, Credit: c.remainingLocked()}, dup
}

// remainingLocked is the advertised credit: chunks still missing once the
// count is known, the configured window before that.
func (c *ReceiveContext) remainingLocked() int {
	if !c.known {
		if n := c.window - len(c.chunks); n > 0 {
			return n
		}
		return 0
	}
	return c.count - len(c.chunks)
}

// complete reports whether the count is known and every chunk is present.
func (c *ReceiveContext) complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known && len(c.chunks) == c.count
}

func (c *ReceiveContext) receivedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

// assemble concatenates the chunks in sequence order and writes them to
// path.
func (c *ReceiveContext) assemble(path string) error {
	c.mu.Lock()
	seqs := make([]int, 0, len(c.chunks))
	for seq := range c.chunks {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	var buf bytes.Buffer
	for _, seq := range seqs {
		buf.Write(c.chunks[seq])
	}
	c.mu.Unlock()

	return os.WriteFile(path, buf.Bytes(), 0644)
}
