package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const testMagic Magic = 0xDEADBEEF

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{Header: DefaultHeader(ModeClient), Kind: KindQuery, TransferID: 0},
		{Header: DefaultHeader(ModeServer), Kind: KindQueryReply, ProtocolVersion: 1, ServerCaps: 0},
		{Header: DefaultHeader(ModeClient), Kind: KindStart, TransferID: 7, TotalSize: 5, Filename: "h.txt"},
		{Header: DefaultHeader(ModeClient), Kind: KindData, TransferID: 7, ChunkIndex: 0, Payload: []byte("hello")},
		{Header: DefaultHeader(ModeClient), Kind: KindData, TransferID: 7, ChunkIndex: 1, Payload: []byte{}},
		{Header: DefaultHeader(ModeClient), Kind: KindEnd, TransferID: 7, TotalChunks: 1, CRC32C: 0x1234},
		{Header: DefaultHeader(ModeServer), Kind: KindAck, TransferID: 7, ChunkIndex: 0},
		{Header: DefaultHeader(ModeServer), Kind: KindAck, TransferID: 7, ChunkIndex: NoChunk},
		{Header: DefaultHeader(ModeServer), Kind: KindNak, TransferID: 7, ChunkIndex: 3, Reason: 5},
	}

	for _, m := range cases {
		buf, err := EncodeDatagram(testMagic, m)
		require.NoError(t, err)

		switch m.Kind {
		case KindData, KindStart:
			require.Len(t, buf, ExtendedSize)
		default:
			require.Len(t, buf, HeaderSize)
		}

		got, err := DecodeDatagram(testMagic, buf)
		require.NoError(t, err)
		require.Equal(t, m.Kind, got.Kind)
		require.Equal(t, m.TransferID, got.TransferID)

		switch m.Kind {
		case KindStart:
			require.Equal(t, m.TotalSize, got.TotalSize)
			require.Equal(t, m.Filename, got.Filename)
		case KindData:
			require.Equal(t, m.ChunkIndex, got.ChunkIndex)
			require.Equal(t, m.Payload, got.Payload)
		case KindEnd:
			require.Equal(t, m.TotalChunks, got.TotalChunks)
			require.Equal(t, m.CRC32C, got.CRC32C)
		case KindAck, KindNak:
			require.Equal(t, m.ChunkIndex, got.ChunkIndex)
			require.Equal(t, m.Reason, got.Reason)
		case KindQueryReply:
			require.Equal(t, m.ProtocolVersion, got.ProtocolVersion)
			require.Equal(t, m.ServerCaps, got.ServerCaps)
		}
	}
}

func TestDecodeWrongMagicIsNotOurs(t *testing.T) {
	m := Message{Header: DefaultHeader(ModeClient), Kind: KindQuery}
	buf, err := EncodeDatagram(testMagic, m)
	require.NoError(t, err)

	_, err = DecodeDatagram(Magic(0xCAFEBABE), buf)
	require.True(t, errors.Is(err, ErrNotOurs))
}

func TestDecodeWrongLengthIsNotOurs(t *testing.T) {
	_, err := DecodeDatagram(testMagic, make([]byte, 40))
	require.True(t, errors.Is(err, ErrNotOurs))
}

func TestDecodeUnknownKind(t *testing.T) {
	m := Message{Header: DefaultHeader(ModeClient), Kind: KindQuery}
	buf, err := EncodeDatagram(testMagic, m)
	require.NoError(t, err)
	buf[16] = 99

	_, err = DecodeDatagram(testMagic, buf)
	require.True(t, errors.Is(err, ErrMalformedKind))
}

func TestDecodeLengthMismatch(t *testing.T) {
	m := Message{Header: DefaultHeader(ModeClient), Kind: KindStart, TotalSize: 1, Filename: "a"}
	buf, err := EncodeDatagram(testMagic, m)
	require.NoError(t, err)

	_, err = DecodeDatagram(testMagic, buf[:HeaderSize])
	require.True(t, errors.Is(err, ErrLengthMismatch))
}

func TestEncodeDataPayloadTooLarge(t *testing.T) {
	m := Message{Header: DefaultHeader(ModeClient), Kind: KindData, Payload: make([]byte, MaxPayload+1)}
	_, err := EncodeDatagram(testMagic, m)
	require.True(t, errors.Is(err, ErrFieldOutOfRange))
}

func TestMagicValidate(t *testing.T) {
	require.Error(t, Magic(0).Validate())
	require.NoError(t, Magic(1).Validate())
}

func TestAckOfHandshakeUsesNoChunkSentinel(t *testing.T) {
	m := Message{Header: DefaultHeader(ModeServer), Kind: KindAck, TransferID: 1, ChunkIndex: NoChunk}
	buf, err := EncodeDatagram(testMagic, m)
	require.NoError(t, err)

	got, err := DecodeDatagram(testMagic, buf)
	require.NoError(t, err)
	require.Equal(t, NoChunk, got.ChunkIndex)
}
