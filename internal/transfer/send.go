package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/denizsurmeli/netchat/internal/wire"
)

var (
	// ErrFileNotFound is returned by StartSend when the path does not exist.
	ErrFileNotFound = errors.New("file not found")
	// ErrFileUnreadable is returned by StartSend when the path exists but
	// cannot be read.
	ErrFileUnreadable = errors.New("file unreadable")
	// ErrTransferActive is returned by StartSend while the same file is
	// already being sent to the same peer.
	ErrTransferActive = errors.New("transfer already in progress")
)

// SendContext tracks one outbound (peer, file) transfer. The daemon tick
// and the ack path run concurrently against it, so all state is guarded
// by the context's own lock.
type SendContext struct {
	peer   string
	fileID string

	mu       sync.Mutex
	chunks   [][]byte
	count    int
	next     int // next first-transmission sequence, 1-based
	inflight map[int]time.Time
	acked    map[int]struct{}
	credit   int
}

// newSendContext loads path once and splits it into batchSize chunks.
// window seeds the credit until the first receiver-advertised value
// arrives.
func newSendContext(peerAddr, path string, batchSize, window int) (*SendContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
		}
		return nil, fmt.Errorf("%s: %w", path, ErrFileUnreadable)
	}

	var chunks [][]byte
	for off := 0; off < len(data); off += batchSize {
		end := off + batchSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}

	return &SendContext{
		peer:     peerAddr,
		fileID:   filepath.Base(path),
		chunks:   chunks,
		count:    len(chunks),
		next:     1,
		inflight: make(map[int]time.Time),
		acked:    make(map[int]struct{}),
		credit:   window,
	}, nil
}

// controlChunk is the sequence-0 announcement carrying the total chunk
// count. It is sent exactly once at context creation and is not retried;
// if it is lost the receiver never learns the count. Inherited protocol
// gap, kept for interoperability.
func (c *SendContext) controlChunk() wire.FileChunk {
	return wire.FileChunk{FileID: c.fileID, Seq: 0, Count: c.count}
}

// tick retransmits every in-flight chunk older than timeout, then fills
// the window with unsent chunks in sequence order. It returns the chunks
// to put on the wire; retransmitted is how many of them are re-sends.
func (c *SendContext) tick(now time.Time, timeout time.Duration) (out []wire.FileChunk, retransmitted int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	overdue := make([]int, 0, len(c.inflight))
	for seq, sentAt := range c.inflight {
		if now.Sub(sentAt) > timeout {
			overdue = append(overdue, seq)
		}
	}
	sort.Ints(overdue)
	for _, seq := range overdue {
		c.inflight[seq] = now
		out = append(out, wire.FileChunk{FileID: c.fileID, Seq: seq, Payload: c.chunks[seq-1]})
	}
	retransmitted = len(out)

	for len(c.inflight) < c.credit && c.next <= c.count {
		seq := c.next
		c.next++
		c.inflight[seq] = now
		out = append(out, wire.FileChunk{FileID: c.fileID, Seq: seq, Payload: c.chunks[seq-1]})
	}
	return out, retransmitted
}

// onAck applies one acknowledgement. Duplicate acks are a no-op apart
// from refreshing the advertised credit. Returns true if seq was newly
// acknowledged.
func (c *SendContext) onAck(seq, credit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.credit = credit
	if _, dup := c.acked[seq]; dup {
		return false
	}
	if seq < 1 || seq > c.count {
		return false
	}
	delete(c.inflight, seq)
	c.acked[seq] = struct{}{}
	return true
}

// complete reports whether every chunk has been acknowledged.
func (c *SendContext) complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acked) == c.count
}

// FileID returns the transfer's join key, the file's base name.
func (c *SendContext) FileID() string { return c.fileID }

// Peer returns the destination address.
func (c *SendContext) Peer() string { return c.peer }

func (c *SendContext) inflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *SendContext) currentCredit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credit
}
