package fragment_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/fragment"
)

func TestReassembler4CompletesInOrder(t *testing.T) {
	r := fragment.NewReassembler4(time.Minute)
	key := fragment.FlowKey4{Src: mustIP4(t, "10.0.0.1"), Dst: mustIP4(t, "10.0.0.2"), ID: 7, Protocol: 17}

	out, done, err := r.Add(key, 0, []byte("0123456789"), false)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Nil(t, out)

	out, done, err = r.Add(key, 10, []byte("abcdef"), true)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "0123456789abcdef", string(out))
}

func TestReassembler4OutOfOrder(t *testing.T) {
	r := fragment.NewReassembler4(time.Minute)
	key := fragment.FlowKey4{Src: mustIP4(t, "10.0.0.1"), Dst: mustIP4(t, "10.0.0.2"), ID: 8, Protocol: 17}

	_, done, err := r.Add(key, 8, []byte("IJKLMNOP"), true)
	require.NoError(t, err)
	assert.False(t, done)

	out, done, err := r.Add(key, 0, []byte("ABCDEFGH"), false)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "ABCDEFGHIJKLMNOP", string(out))
}

func TestReassembler4LastWriterWinsOnOverlap(t *testing.T) {
	r := fragment.NewReassembler4(time.Minute)
	key := fragment.FlowKey4{Src: mustIP4(t, "10.0.0.1"), Dst: mustIP4(t, "10.0.0.2"), ID: 9, Protocol: 17}

	_, _, err := r.Add(key, 0, []byte("AAAAAAAA"), false)
	require.NoError(t, err)
	out, done, err := r.Add(key, 4, []byte("BBBBBBBB"), true)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "AAAABBBBBBBB", string(out))
}

func TestReassembler4SweepEvictsStale(t *testing.T) {
	r := fragment.NewReassembler4(time.Millisecond)
	key := fragment.FlowKey4{Src: mustIP4(t, "10.0.0.1"), Dst: mustIP4(t, "10.0.0.2"), ID: 10, Protocol: 17}
	_, _, err := r.Add(key, 0, []byte("partial"), false)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n := r.Sweep(time.Now())
	assert.Equal(t, 1, n)
}

func TestReassembler6Completes(t *testing.T) {
	r := fragment.NewReassembler6(time.Minute)
	key := fragment.FlowKey6{Src: mustIP6(t, "2001:db8::1"), Dst: mustIP6(t, "2001:db8::2"), ID: 42}
	_, _, err := r.Add(key, 0, []byte("hello "), false)
	require.NoError(t, err)
	out, done, err := r.Add(key, 6, []byte("world"), true)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "hello world", string(out))
}

func TestSplitProducesEightByteAlignedChunks(t *testing.T) {
	payload := make([]byte, 38)
	for i := range payload {
		payload[i] = byte(i)
	}
	chunks, err := fragment.Split(payload, 16)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].Offset)
	assert.Len(t, chunks[0].Data, 16)
	assert.True(t, chunks[0].More)
	assert.Equal(t, 16, chunks[1].Offset)
	assert.Len(t, chunks[1].Data, 16)
	assert.True(t, chunks[1].More)
	assert.Equal(t, 32, chunks[2].Offset)
	assert.Len(t, chunks[2].Data, 6)
	assert.False(t, chunks[2].More)
}

func TestSplitRejectsTooSmallMTU(t *testing.T) {
	_, err := fragment.Split(make([]byte, 10), 4)
	assert.Error(t, err)
}

func TestFlowIDAllocatorMonotonic(t *testing.T) {
	var a fragment.FlowIDAllocator
	first := a.Next()
	second := a.Next()
	assert.Greater(t, second, first)
}

func mustIP4(t *testing.T, s string) addr.IPv4 {
	t.Helper()
	ip, err := addr.ParseIPv4(s)
	require.NoError(t, err)
	return ip
}

func mustIP6(t *testing.T, s string) addr.IPv6 {
	t.Helper()
	ip, err := addr.ParseIPv6(s)
	require.NoError(t, err)
	return ip
}
