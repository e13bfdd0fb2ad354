package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTripShort(t *testing.T) {
	buf, err := EncodeHeader(nil, 5, false, false, SOPData)
	require.NoError(t, err)
	require.Len(t, buf, 1)

	hdr, n, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 5, hdr.DataLen)
	require.False(t, hdr.TwoByte)
	require.Equal(t, SOPData, hdr.SOP)
}

func TestHeaderRoundTripLong(t *testing.T) {
	buf, err := EncodeHeader(nil, 900, true, true, SOPFrag)
	require.NoError(t, err)
	require.Len(t, buf, 2)

	hdr, n, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 900, hdr.DataLen)
	require.True(t, hdr.HasAckID)
	require.True(t, hdr.Reliable)
	require.Equal(t, SOPFrag, hdr.SOP)
}

func TestHeaderTooLarge(t *testing.T) {
	_, err := EncodeHeader(nil, MaxDataLen+1, false, false, SOPData)
	require.Error(t, err)
}

func TestAckIDShortestEncoding(t *testing.T) {
	cases := []struct {
		id      uint32
		wantLen int
	}{
		{0, 1},
		{31, 1},
		{32, 2},
		{4095, 2},
		{4096, 3},
		{MaxAckID, 3},
	}
	for _, c := range cases {
		buf, err := EncodeAckIDShort(nil, 2, c.id)
		require.NoError(t, err)
		require.Len(t, buf, c.wantLen, "id=%d", c.id)

		got, n, err := DecodeAckID(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, uint8(2), got.Stream)
		require.Equal(t, c.id, got.ID)
	}
}

func TestAckIDFullAlwaysThreeBytes(t *testing.T) {
	buf, err := EncodeAckIDFull(nil, 0, 3)
	require.NoError(t, err)
	require.Len(t, buf, 3)

	got, n, err := DecodeAckID(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, uint32(3), got.ID)
}

func TestAckIDOutOfRange(t *testing.T) {
	_, err := EncodeAckIDShort(nil, 0, MaxAckID+1)
	require.Error(t, err)
	_, err = EncodeAckIDShort(nil, 4, 0)
	require.Error(t, err)
}

func TestFragHeaderRoundTrip(t *testing.T) {
	buf := EncodeFragHeader(nil, 4000)
	got, err := DecodeFragHeader(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(4000), got)
}

func TestAckBodyRollupOnly(t *testing.T) {
	acks := []StreamAck{
		{Stream: 1, Rollup: 12345},
	}
	buf, err := EncodeAckBody(nil, acks)
	require.NoError(t, err)

	got, err := DecodeAckBody(buf)
	require.NoError(t, err)
	require.Equal(t, acks, got)
}

func TestAckBodySingleIDRange(t *testing.T) {
	acks := []StreamAck{
		{Stream: 3, Rollup: 10, Ranges: []AckRange{{Start: 20, End: 20}}},
	}
	buf, err := EncodeAckBody(nil, acks)
	require.NoError(t, err)

	got, err := DecodeAckBody(buf)
	require.NoError(t, err)
	require.Equal(t, acks, got)
}

func TestAckBodyMultiRangeMultiStream(t *testing.T) {
	acks := []StreamAck{
		{
			Stream: 0,
			Rollup: 100,
			Ranges: []AckRange{
				{Start: 105, End: 110},
				{Start: 200, End: 5000},
			},
		},
		{
			Stream: 2,
			Rollup: 7,
		},
	}
	buf, err := EncodeAckBody(nil, acks)
	require.NoError(t, err)

	got, err := DecodeAckBody(buf)
	require.NoError(t, err)
	require.Equal(t, acks, got)
}

func TestAckBodyLargeDelta(t *testing.T) {
	acks := []StreamAck{
		{Stream: 1, Rollup: 0, Ranges: []AckRange{{Start: 0, End: MaxAckID}}},
	}
	buf, err := EncodeAckBody(nil, acks)
	require.NoError(t, err)

	got, err := DecodeAckBody(buf)
	require.NoError(t, err)
	require.Equal(t, acks, got)
}
