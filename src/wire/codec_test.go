package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashpool/ledgerd/src/chain"
)

func TestReadWriteMessage(t *testing.T) {
	hello := &Hello{
		Version:     1,
		GenesisHash: []byte("genesis"),
		Nonce:       42,
		ChainHeight: 17,
		ListenAddr:  "127.0.0.1:1337",
	}

	var buf bytes.Buffer

	require.NoError(t, WriteMessage(&buf, hello))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)

	decoded, ok := msg.(*Hello)
	require.True(t, ok, "expected *Hello, got %T", msg)

	assert.Equal(t, hello.Version, decoded.Version)
	assert.Equal(t, hello.GenesisHash, decoded.GenesisHash)
	assert.Equal(t, hello.Nonce, decoded.Nonce)
	assert.Equal(t, hello.ChainHeight, decoded.ChainHeight)
	assert.Equal(t, hello.ListenAddr, decoded.ListenAddr)
}

func TestBlockResponseRoundTrip(t *testing.T) {
	genesis := chain.NewGenesisBlock("test")

	tx := &chain.Transaction{Payload: []byte("hello"), Priority: 3}
	block := chain.NewBlock(1, genesis.Hash(), time.Now().Unix(), []*chain.Transaction{tx}, []byte("proof"))

	var buf bytes.Buffer

	require.NoError(t, WriteMessage(&buf, &BlockResponse{Blocks: []*chain.Block{block}}))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)

	decoded, ok := msg.(*BlockResponse)
	require.True(t, ok, "expected *BlockResponse, got %T", msg)

	require.Len(t, decoded.Blocks, 1)
	assert.Equal(t, block.Hash(), decoded.Blocks[0].Hash())
	require.Len(t, decoded.Blocks[0].Transactions, 1)
	assert.Equal(t, tx.ID(), decoded.Blocks[0].Transactions[0].ID())
}

func TestSequentialMessages(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, WriteMessage(&buf, &Ping{Nonce: 1}))
	require.NoError(t, WriteMessage(&buf, &Pong{Nonce: 1}))
	require.NoError(t, WriteMessage(&buf, &PeerListRequest{}))

	expected := []MsgType{TagPing, TagPong, TagPeerListRequest}

	for _, want := range expected {
		msg, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, msg.Type())
	}

	_, err := ReadMessage(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestOversizedFrameRejected(t *testing.T) {
	// A header declaring more than MaxFrameSize must be rejected before any
	// payload is read.
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)

	_, err := ReadMessage(bytes.NewReader(header[:]))

	var framing *FramingError
	require.True(t, errors.As(err, &framing), "expected *FramingError, got %v", err)
}

func TestEncodeRejectsOversizedMessage(t *testing.T) {
	genesis := chain.NewGenesisBlock("test")

	// A block whose payload alone exceeds the frame limit must be refused at
	// encode time, never put on the wire for the receiver to choke on.
	tx := &chain.Transaction{Payload: make([]byte, MaxFrameSize), Priority: 1}
	block := chain.NewBlock(1, genesis.Hash(), time.Now().Unix(), []*chain.Transaction{tx}, nil)

	_, err := Encode(&BlockResponse{Blocks: []*chain.Block{block}})

	var framing *FramingError
	require.True(t, errors.As(err, &framing), "expected *FramingError, got %v", err)
}

func TestUnknownTagRejected(t *testing.T) {
	frame := []byte{0, 0, 0, 1, 0xff}

	_, err := ReadMessage(bytes.NewReader(frame))

	var framing *FramingError
	require.True(t, errors.As(err, &framing), "expected *FramingError, got %v", err)
}

func TestEmptyFrameRejected(t *testing.T) {
	frame := []byte{0, 0, 0, 0}

	_, err := ReadMessage(bytes.NewReader(frame))

	var framing *FramingError
	require.True(t, errors.As(err, &framing), "expected *FramingError, got %v", err)
}

func TestUndecodablePayloadRejected(t *testing.T) {
	// A valid tag followed by garbage that cannot decode into the message.
	payload := []byte{byte(TagHello), 0xff, 0x00, 0x01}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	frame := append(header[:], payload...)

	_, err := ReadMessage(bytes.NewReader(frame))

	var framing *FramingError
	require.True(t, errors.As(err, &framing), "expected *FramingError, got %v", err)
}

func TestTruncatedFrame(t *testing.T) {
	hello := &Hello{Version: 1, ListenAddr: "127.0.0.1:1337"}

	frame, err := Encode(hello)
	require.NoError(t, err)

	_, err = ReadMessage(bytes.NewReader(frame[:len(frame)-2]))
	assert.Error(t, err)
}
