package crdt

import (
	"errors"
	"time"

	"github.com/diaryx/diaryx-go/internal/crdt/codec"
)

// ErrBadUpdate is returned when update bytes fail to decode. During
// historical reconstruction the bad update is skipped; at the transport
// boundary the error surfaces to the caller.
var ErrBadUpdate = errors.New("crdt: bad update")

// register is one last-writer-wins cell.
type register struct {
	value   []byte
	clock   codec.Clock
	removed bool // hard-removed via OpMapDel
}

// docCore is the replica state shared by WorkspaceDoc and BodyDoc: the
// register map, the optional text sequence, the Lamport clock, and the
// state vector. It is not synchronized; owning documents guard it.
type docCore struct {
	device    string
	counter   uint64
	sv        codec.StateVector
	registers map[string]register
	seq       *rga // nil for register-only documents

	deletes    []codec.Op
	deleteSeen map[codec.ItemID]bool

	now func() int64 // ms since epoch; swappable in tests
}

func newDocCore(device string, withText bool) *docCore {
	c := &docCore{
		device:     device,
		sv:         make(codec.StateVector),
		registers:  make(map[string]register),
		deleteSeen: make(map[codec.ItemID]bool),
		now:        func() int64 { return time.Now().UnixMilli() },
	}
	if withText {
		c.seq = newRGA()
	}
	return c
}

// nextClock allocates n counters and returns the clock of the first.
func (c *docCore) nextClock(n uint64) codec.Clock {
	clock := codec.Clock{
		Device:  c.device,
		Counter: c.counter + 1,
		WallMs:  uint64(c.now()),
	}
	c.counter += n
	c.sv.Observe(&codec.Op{Kind: codec.OpMapSet, Clock: codec.Clock{Device: c.device, Counter: c.counter}})
	return clock
}

// apply integrates ops into the replica. Returns the register keys whose
// winning value changed (inserts and deletes report no keys; text change
// detection is the caller's concern).
func (c *docCore) apply(ops []codec.Op) []string {
	var changed []string
	var sawSeqOp bool
	for i := range ops {
		op := &ops[i]
		c.sv.Observe(op)
		if max := op.MaxCounter(); max > c.counter {
			c.counter = max
		}
		switch op.Kind {
		case codec.OpMapSet, codec.OpMapDel:
			if c.applyRegister(op) {
				changed = append(changed, op.Key)
			}
		case codec.OpInsert:
			if c.seq == nil || op.Text == "" {
				continue
			}
			sawSeqOp = true
			for _, item := range codec.ExpandInserts([]codec.Op{*op}) {
				c.seq.applyInsert(
					codec.ItemID{Device: item.Clock.Device, Counter: item.Clock.Counter},
					item.Left,
					[]rune(item.Text)[0],
				)
			}
		case codec.OpDelete:
			if c.seq == nil {
				continue
			}
			sawSeqOp = true
			id := codec.ItemID{Device: op.Clock.Device, Counter: op.Clock.Counter}
			if !c.deleteSeen[id] {
				c.deleteSeen[id] = true
				c.deletes = append(c.deletes, *op)
			}
		}
	}
	// Deletes can arrive in the same batch as — or ahead of — the inserts
	// they address, so tombstones are re-applied after integration.
	if sawSeqOp {
		for _, del := range c.deletes {
			c.seq.applyDelete(del.Ranges)
		}
	}
	return changed
}

func (c *docCore) applyRegister(op *codec.Op) bool {
	current, exists := c.registers[op.Key]
	if exists && !current.clock.Less(op.Clock) {
		return false
	}
	reg := register{clock: op.Clock, removed: op.Kind == codec.OpMapDel}
	if op.Kind == codec.OpMapSet {
		reg.value = op.Value
	}
	c.registers[op.Key] = reg
	if exists && current.removed == reg.removed && string(current.value) == string(reg.value) {
		return false
	}
	return true
}

// stateOps re-encodes the full replica state as operations.
func (c *docCore) stateOps() []codec.Op {
	var ops []codec.Op
	for key, reg := range c.registers {
		op := codec.Op{Kind: codec.OpMapSet, Clock: reg.clock, Key: key, Value: reg.value}
		if reg.removed {
			op = codec.Op{Kind: codec.OpMapDel, Clock: reg.clock, Key: key}
		}
		ops = append(ops, op)
	}
	if c.seq != nil {
		ops = append(ops, c.seq.insertOps()...)
		ops = append(ops, c.deletes...)
	}
	return ops
}

// diffOps returns the retained ops a replica holding remote does not have.
func (c *docCore) diffOps(remote codec.StateVector) []codec.Op {
	var out []codec.Op
	for _, op := range c.stateOps() {
		if !remote.Covers(&op) {
			out = append(out, op)
		}
	}
	return out
}

// encodeState serializes the full state as one update blob.
func (c *docCore) encodeState() []byte {
	return codec.MergeUpdates(codec.EncodeOps(c.stateOps()))
}

// encodeStateVector serializes the replica's state vector.
func (c *docCore) encodeStateVector() []byte {
	return codec.EncodeStateVector(c.sv)
}
