package exchange

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

func TestWriteReadMessage_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Type: MsgChunkRequest, Payload: []byte("some payload")}

	require.NoError(t, WriteMessage(&buf, msg))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestWriteReadMessage_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Type: MsgNotFound}))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgNotFound, got.Type)
	assert.Empty(t, got.Payload)
}

func TestReadMessage_RejectsOversizedLength(t *testing.T) {
	var hdr [headerSize]byte
	hdr[0] = byte(MsgChunkResponse)
	binary.BigEndian.PutUint32(hdr[1:], maxPayload+1)

	_, err := ReadMessage(bytes.NewReader(hdr[:]))
	assert.Error(t, err)
}

func TestReadMessage_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Type: MsgChunkRequest, Payload: []byte("full payload")}))

	truncated := buf.Bytes()[:buf.Len()-3]
	_, err := ReadMessage(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestSerializeDeserialize_Payloads(t *testing.T) {
	content := types.HashBytes([]byte("chunk"))

	data, err := Serialize(ChunkRequest{Content: content})
	require.NoError(t, err)
	req, err := Deserialize[ChunkRequest](data)
	require.NoError(t, err)
	assert.Equal(t, content, req.Content)

	meta := types.VideoMeta{
		Chunks: []types.ChunkMeta{{ID: content, Size: 5, Order: 0}},
		Title:  "round trip",
	}
	meta.ID = meta.ComputeID()

	data, err = Serialize(MetadataResponse{Meta: meta})
	require.NoError(t, err)
	resp, err := Deserialize[MetadataResponse](data)
	require.NoError(t, err)
	assert.Equal(t, meta, resp.Meta)
}

func TestDeserialize_Garbage(t *testing.T) {
	_, err := Deserialize[SearchRequest]([]byte("not gob data"))
	assert.Error(t, err)
}

func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "ChunkRequest", MsgChunkRequest.String())
	assert.Equal(t, "NotFound", MsgNotFound.String())
	assert.Equal(t, "Unknown(99)", MessageType(99).String())
}
