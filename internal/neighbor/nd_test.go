package neighbor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/neighbor"
)

type fakeNDTransmitter struct {
	mu          sync.Mutex
	solicits    []addr.IPv6
	unicastOnly int
	sent        []sentFrame

	onSolicit func(addr.IPv6, *addr.MAC)
}

func (f *fakeNDTransmitter) SendFrame(mac addr.MAC, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{mac, frame})
	return nil
}

func (f *fakeNDTransmitter) SendNeighborSolicitation(target addr.IPv6, dstMAC *addr.MAC) error {
	f.mu.Lock()
	f.solicits = append(f.solicits, target)
	if dstMAC != nil {
		f.unicastOnly++
	}
	cb := f.onSolicit
	f.mu.Unlock()
	if cb != nil {
		cb(target, dstMAC)
	}
	return nil
}

func mustIP6(t *testing.T, s string) addr.IPv6 {
	t.Helper()
	ip, err := addr.ParseIPv6(s)
	require.NoError(t, err)
	return ip
}

func mustMACNd(t *testing.T, s string) addr.MAC {
	t.Helper()
	m, err := addr.ParseMAC(s)
	require.NoError(t, err)
	return m
}

func TestNDResolveCompletesOnObserve(t *testing.T) {
	target := mustIP6(t, "2001:db8::1")
	targetMAC := mustMACNd(t, "02:00:00:00:00:10")
	tx := &fakeNDTransmitter{}
	cache, err := neighbor.NewNDCache(neighbor.NDConfig{Transmitter: tx, ResolveTimeout: time.Second})
	require.NoError(t, err)
	tx.onSolicit = func(ip addr.IPv6, _ *addr.MAC) {
		go cache.Observe(ip, targetMAC, false)
	}

	mac, err := cache.Resolve(context.Background(), target, nil)
	require.NoError(t, err)
	assert.Equal(t, targetMAC, mac)
}

func TestNDResolveTimesOut(t *testing.T) {
	target := mustIP6(t, "2001:db8::2")
	tx := &fakeNDTransmitter{}
	cache, err := neighbor.NewNDCache(neighbor.NDConfig{Transmitter: tx, ResolveTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = cache.Resolve(context.Background(), target, nil)
	assert.Error(t, err)
}

func TestNDAgeTransitionsReachableToStaleThenProbesUnicast(t *testing.T) {
	target := mustIP6(t, "2001:db8::3")
	mac := mustMACNd(t, "02:00:00:00:00:11")
	tx := &fakeNDTransmitter{}
	cache, err := neighbor.NewNDCache(neighbor.NDConfig{
		Transmitter: tx, ReachableTimeout: time.Millisecond, ProbeInterval: time.Millisecond, MaxUnicastProbes: 2,
	})
	require.NoError(t, err)

	cache.Observe(target, mac, false)
	time.Sleep(3 * time.Millisecond)
	cache.Age(time.Now())
	snap := cache.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, neighbor.NDStateStale, snap[0].State)

	// A Resolve hit against a Stale entry should trigger an asynchronous
	// unicast probe without blocking the caller.
	_, err = cache.Resolve(context.Background(), target, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	assert.Greater(t, tx.unicastOnly, 0)
}

func TestNDConfirmReachableResetsTimer(t *testing.T) {
	target := mustIP6(t, "2001:db8::4")
	mac := mustMACNd(t, "02:00:00:00:00:12")
	tx := &fakeNDTransmitter{}
	cache, err := neighbor.NewNDCache(neighbor.NDConfig{Transmitter: tx, ReachableTimeout: time.Hour})
	require.NoError(t, err)
	cache.Observe(target, mac, false)
	cache.ConfirmReachable(target)
	snap := cache.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, neighbor.NDStateReachable, snap[0].State)
}
