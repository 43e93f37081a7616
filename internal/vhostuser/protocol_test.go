package vhostuser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestString(t *testing.T) {
	require.Equal(t, "GET_FEATURES", GetFeatures.String())
	require.Equal(t, "SET_VRING_KICK", SetVringKick.String())
	require.Equal(t, "GET_CONFIG", GetConfig.String())
	require.Equal(t, "REQUEST(99)", Request(99).String())
}

func TestMessageFlags(t *testing.T) {
	require.True(t, Message{Flags: flagVersion | flagNeedReply}.NeedReply())
	require.False(t, Message{Flags: flagVersion}.NeedReply())
	require.True(t, Message{Flags: flagVersion | flagReply}.IsReply())
}

func TestDecodeRejectsWrongSizes(t *testing.T) {
	_, err := DecodeU64([]byte{1, 2, 3})
	require.Error(t, err)
	require.Contains(t, err.Error(), "want 8")

	_, err = DecodeVringState(make([]byte, 12))
	require.Error(t, err)

	_, err = DecodeVringAddr(make([]byte, 8))
	require.Error(t, err)
}

func TestVringAddrLayout(t *testing.T) {
	payload := EncodeVringAddr(VringAddr{Index: 2, Desc: 0x1000, Used: 0x3000, Avail: 0x2000})
	require.Len(t, payload, 40)

	got, err := DecodeVringAddr(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.Index)
	require.Equal(t, uint64(0x2000), got.Avail)
}

func TestDecodeMemTableMatrix(t *testing.T) {
	region := MemoryRegion{GuestPhysAddr: 0, MemorySize: 4096, UserspaceAddr: 0x7f0000000000}

	tests := []struct {
		name    string
		payload []byte
		wantErr string
	}{
		{name: "header truncated", payload: []byte{1, 0, 0}, wantErr: "at least 8"},
		{name: "no regions", payload: EncodeMemTable(nil), wantErr: "0 regions"},
		{name: "too many regions", payload: EncodeMemTable(make([]MemoryRegion, 9)), wantErr: "9 regions"},
		{name: "body truncated", payload: EncodeMemTable([]MemoryRegion{region})[:20], wantErr: "truncated"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeMemTable(tc.payload)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}

	regions, err := DecodeMemTable(EncodeMemTable([]MemoryRegion{region, region}))
	require.NoError(t, err)
	require.Equal(t, []MemoryRegion{region, region}, regions)
}

func TestDecodeConfigSpaceMatrix(t *testing.T) {
	_, err := DecodeConfigSpace([]byte{0, 0})
	require.ErrorContains(t, err, "at least 12")

	_, err = DecodeConfigSpace(EncodeConfigSpace(ConfigSpace{Size: 4, Payload: []byte{1}}))
	require.ErrorContains(t, err, "header says 4")

	_, err = DecodeConfigSpace(EncodeConfigSpace(ConfigSpace{Size: 512, Payload: make([]byte, 512)}))
	require.ErrorContains(t, err, "exceeds 256")

	got, err := DecodeConfigSpace(EncodeConfigSpace(ConfigSpace{Offset: 4, Size: 2, Payload: []byte{7, 8}}))
	require.NoError(t, err)
	require.Equal(t, uint32(4), got.Offset)
	require.Equal(t, []byte{7, 8}, got.Payload)
}
