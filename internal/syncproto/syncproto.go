// Package syncproto frames CRDT payloads in the Y-sync v1 wire format:
// varUint message family, varUint sync type, length-prefixed payload.
// A transport buffer may carry several concatenated messages; decoding
// consumes them in order.
package syncproto

import (
	"errors"
	"fmt"

	"github.com/diaryx/diaryx-go/internal/crdt/codec"
)

// Message families. Awareness and auth are recognized so a mixed buffer
// still decodes, but they are ignored by this core.
const (
	FamilySync      = 0
	FamilyAwareness = 1
	FamilyAuth      = 2
)

// Sync message types inside FamilySync.
const (
	TypeSyncStep1 = 0
	TypeSyncStep2 = 1
	TypeUpdate    = 2
)

// ErrMalformed is returned when a buffer cannot be decoded as a message
// sequence.
var ErrMalformed = errors.New("syncproto: malformed message")

// Message is one decoded frame.
type Message struct {
	Family  uint64
	Type    uint64 // valid when Family == FamilySync
	Payload []byte // state vector for Step1, update bytes for Step2/Update
}

// IsSync reports whether the message belongs to the sync family.
func (m *Message) IsSync() bool { return m.Family == FamilySync }

// EncodeSyncStep1 frames a state vector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(TypeSyncStep1, stateVector)
}

// EncodeSyncStep2 frames the missing-updates diff of a handshake.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(TypeSyncStep2, update)
}

// EncodeUpdate frames an incremental update.
func EncodeUpdate(update []byte) []byte {
	return encodeSync(TypeUpdate, update)
}

func encodeSync(msgType uint64, payload []byte) []byte {
	buf := codec.AppendVarUint(nil, FamilySync)
	buf = codec.AppendVarUint(buf, msgType)
	return codec.AppendBytes(buf, payload)
}

// Decode parses every concatenated message in buf, in order.
func Decode(buf []byte) ([]Message, error) {
	var out []Message
	for len(buf) > 0 {
		msg, rest, err := decodeOne(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
		buf = rest
	}
	return out, nil
}

func decodeOne(buf []byte) (Message, []byte, error) {
	family, used, err := codec.ReadVarUint(buf)
	if err != nil {
		return Message{}, nil, fmt.Errorf("%w: family: %v", ErrMalformed, err)
	}
	buf = buf[used:]

	switch family {
	case FamilySync:
		msgType, used, err := codec.ReadVarUint(buf)
		if err != nil {
			return Message{}, nil, fmt.Errorf("%w: sync type: %v", ErrMalformed, err)
		}
		buf = buf[used:]
		if msgType > TypeUpdate {
			return Message{}, nil, fmt.Errorf("%w: unknown sync type %d", ErrMalformed, msgType)
		}
		payload, used, err := codec.ReadBytes(buf)
		if err != nil {
			return Message{}, nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		return Message{Family: family, Type: msgType, Payload: payload}, buf[used:], nil
	case FamilyAwareness, FamilyAuth:
		// Out of scope for the core; skip the length-prefixed payload so
		// the rest of the buffer still decodes.
		payload, used, err := codec.ReadBytes(buf)
		if err != nil {
			return Message{}, nil, fmt.Errorf("%w: skipped payload: %v", ErrMalformed, err)
		}
		_ = payload
		return Message{Family: family}, buf[used:], nil
	}
	return Message{}, nil, fmt.Errorf("%w: unknown family %d", ErrMalformed, family)
}

// SyncDocument is the document surface the protocol needs for a
// handshake: what it has, what the peer is missing, and how to apply.
type SyncDocument interface {
	EncodeStateVector() []byte
	EncodeDiff(remoteSV []byte) ([]byte, error)
}

// HandleStep1 answers an incoming SyncStep1 per the protocol: a
// SyncStep2 carrying the diff against the peer's vector, followed by a
// SyncStep1 carrying the local vector so the peer replies in kind.
func HandleStep1(doc SyncDocument, remoteSV []byte) ([]byte, error) {
	diff, err := doc.EncodeDiff(remoteSV)
	if err != nil {
		return nil, err
	}
	reply := EncodeSyncStep2(diff)
	reply = append(reply, EncodeSyncStep1(doc.EncodeStateVector())...)
	return reply, nil
}
