package syncproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx/diaryx-go/internal/crdt/codec"
)

func TestEncodeDecodeSingleMessages(t *testing.T) {
	tests := []struct {
		name    string
		frame   []byte
		msgType uint64
		payload string
	}{
		{"step1", EncodeSyncStep1([]byte("sv")), TypeSyncStep1, "sv"},
		{"step2", EncodeSyncStep2([]byte("diff")), TypeSyncStep2, "diff"},
		{"update", EncodeUpdate([]byte("incr")), TypeUpdate, "incr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := Decode(tt.frame)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.True(t, msgs[0].IsSync())
			assert.Equal(t, tt.msgType, msgs[0].Type)
			assert.Equal(t, []byte(tt.payload), msgs[0].Payload)
		})
	}
}

// One transport buffer may batch several messages; they decode in order.
func TestDecodeConcatenatedMessages(t *testing.T) {
	buf := EncodeSyncStep2([]byte("diff"))
	buf = append(buf, EncodeSyncStep1([]byte("sv"))...)
	buf = append(buf, EncodeUpdate([]byte("u"))...)

	msgs, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint64(TypeSyncStep2), msgs[0].Type)
	assert.Equal(t, uint64(TypeSyncStep1), msgs[1].Type)
	assert.Equal(t, uint64(TypeUpdate), msgs[2].Type)
}

// Awareness and auth frames are recognized and skipped so the rest of
// the buffer still decodes.
func TestDecodeSkipsAwarenessAndAuth(t *testing.T) {
	buf := codec.AppendVarUint(nil, FamilyAwareness)
	buf = codec.AppendBytes(buf, []byte("presence"))
	buf = append(buf, EncodeUpdate([]byte("u"))...)
	buf = append(buf, codec.AppendBytes(codec.AppendVarUint(nil, FamilyAuth), []byte("token"))...)

	msgs, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.False(t, msgs[0].IsSync())
	assert.True(t, msgs[1].IsSync())
	assert.False(t, msgs[2].IsSync())
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x07}) // sync family, unknown type 7
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte{0x09}) // unknown family
	assert.ErrorIs(t, err, ErrMalformed)

	truncated := EncodeUpdate([]byte("payload"))
	_, err = Decode(truncated[:len(truncated)-3])
	assert.ErrorIs(t, err, ErrMalformed)
}

// fakeDoc implements SyncDocument with canned values.
type fakeDoc struct {
	sv   []byte
	diff []byte
}

func (d *fakeDoc) EncodeStateVector() []byte           { return d.sv }
func (d *fakeDoc) EncodeDiff(_ []byte) ([]byte, error) { return d.diff, nil }

// A SyncStep1 is answered with Step2 (the diff) followed by our own
// Step1, so the peer replies with what we are missing.
func TestHandleStep1ReplyShape(t *testing.T) {
	doc := &fakeDoc{sv: []byte("local-sv"), diff: []byte("missing-ops")}
	reply, err := HandleStep1(doc, []byte("remote-sv"))
	require.NoError(t, err)

	msgs, err := Decode(reply)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(TypeSyncStep2), msgs[0].Type)
	assert.Equal(t, []byte("missing-ops"), msgs[0].Payload)
	assert.Equal(t, uint64(TypeSyncStep1), msgs[1].Type)
	assert.Equal(t, []byte("local-sv"), msgs[1].Payload)
}
