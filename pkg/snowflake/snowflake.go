// Package snowflake generates time-ordered 63-bit identifiers for messages and
// conversations. Ids travel as decimal strings so clients never lose precision.
package snowflake

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Layout, high to low: 41 bits of milliseconds since epoch, 10 bits of
// node, 12 bits of per-millisecond sequence.
const (
	nodeBits = 10
	seqBits  = 12

	maxNode = 1<<nodeBits - 1
	maxSeq  = 1<<seqBits - 1

	tsShift   = nodeBits + seqBits
	nodeShift = seqBits

	epoch int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

type Node struct {
	id    int64
	clock func() int64

	mu     sync.Mutex
	lastMs int64
	seq    int64
}

func NewNode(id int64) (*Node, error) {
	if id < 0 || id > maxNode {
		return nil, fmt.Errorf("snowflake: node %d out of range [0, %d]", id, maxNode)
	}
	return &Node{id: id, clock: func() int64 { return time.Now().UnixMilli() }}, nil
}

// Generate returns the next id. Ids from one node are strictly increasing,
// even when the wall clock steps backwards.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	ms := max(n.clock(), n.lastMs)
	switch {
	case ms > n.lastMs:
		n.seq = 0
	case n.seq < maxSeq:
		n.seq++
	default:
		// Sequence exhausted for this millisecond.
		for ms <= n.lastMs {
			ms = n.clock()
		}
		n.seq = 0
	}
	n.lastMs = ms
	return (ms-epoch)<<tsShift | n.id<<nodeShift | n.seq
}

// NextID is Generate rendered as a decimal string.
func (n *Node) NextID() string {
	return strconv.FormatInt(n.Generate(), 10)
}

// Parse converts a decimal id string back to its numeric form.
func Parse(id string) (int64, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("snowflake: invalid id %q", id)
	}
	return v, nil
}

// NodeOf returns the node that issued id.
func NodeOf(id int64) int64 {
	return id >> nodeShift & maxNode
}

// Time returns the wall-clock millisecond embedded in id.
func Time(id int64) time.Time {
	return time.UnixMilli(id>>tsShift + epoch)
}
