package extension

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryHandshakeRoundTrip(t *testing.T) {
	local := NewRegistry(UTMetadata, UTPex, LTDontHave)
	payload, err := local.EncodeHandshake(6881, 1024)
	require.NoError(t, err)

	remote := NewRegistry(UTMetadata, UTPex)
	metadataSize, err := remote.ParseHandshake(payload)
	require.NoError(t, err)
	require.Equal(t, int64(1024), metadataSize)
	require.True(t, remote.RemoteSupports(UTMetadata))
	require.True(t, remote.RemoteSupports(UTPex))
	require.True(t, remote.RemoteSupports(LTDontHave))

	id, ok := local.LocalID(UTMetadata)
	require.True(t, ok)
	require.Equal(t, byte(1), id)

	remoteID, ok := remote.RemoteID(UTMetadata)
	require.True(t, ok)
	require.Equal(t, byte(1), remoteID)
}

func TestMetadataRequestDataRoundTrip(t *testing.T) {
	reqPayload, err := EncodeMetadataRequest(2)
	require.NoError(t, err)
	req, err := DecodeMetadataMessage(reqPayload)
	require.NoError(t, err)
	require.Equal(t, MetadataRequest, req.Type)
	require.Equal(t, 2, req.PieceIdx)

	piece := []byte("d8:completei1e10:incompletei2ee")
	dataPayload, err := EncodeMetadataData(2, int64(len(piece)), piece)
	require.NoError(t, err)
	data, err := DecodeMetadataMessage(dataPayload)
	require.NoError(t, err)
	require.Equal(t, MetadataData, data.Type)
	require.Equal(t, 2, data.PieceIdx)
	require.Equal(t, piece, data.Piece)
}

func TestMetadataReject(t *testing.T) {
	payload, err := EncodeMetadataReject(5)
	require.NoError(t, err)
	msg, err := DecodeMetadataMessage(payload)
	require.NoError(t, err)
	require.Equal(t, MetadataReject, msg.Type)
	require.Equal(t, 5, msg.PieceIdx)
	require.Nil(t, msg.Piece)
}

func TestPexRoundTrip(t *testing.T) {
	added := []byte{127, 0, 0, 1, 0x1A, 0xE1}
	dropped := []byte{10, 0, 0, 1, 0x1A, 0xE2}
	payload, err := EncodePex(PexMessage{Added: added, Dropped: dropped})
	require.NoError(t, err)

	got, err := DecodePex(payload)
	require.NoError(t, err)
	require.Equal(t, added, got.Added)
	require.Equal(t, dropped, got.Dropped)
}

func TestDontHaveRoundTrip(t *testing.T) {
	payload := EncodeDontHave(17)
	idx, err := DecodeDontHave(payload)
	require.NoError(t, err)
	require.Equal(t, 17, idx)
}

func TestDontHaveRejectsWrongLength(t *testing.T) {
	_, err := DecodeDontHave([]byte{1, 2, 3})
	require.Error(t, err)
}
