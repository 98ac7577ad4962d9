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

type fakeARPTransmitter struct {
	mu       sync.Mutex
	requests []addr.IPv4
	sent     []sentFrame

	onRequest func(addr.IPv4) // fires synchronously inside SendARPRequest
}

type sentFrame struct {
	mac   addr.MAC
	frame []byte
}

func (f *fakeARPTransmitter) SendFrame(mac addr.MAC, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{mac, frame})
	return nil
}

func (f *fakeARPTransmitter) SendARPRequest(target addr.IPv4) error {
	f.mu.Lock()
	f.requests = append(f.requests, target)
	cb := f.onRequest
	f.mu.Unlock()
	if cb != nil {
		cb(target)
	}
	return nil
}

func mustIP4(t *testing.T, s string) addr.IPv4 {
	t.Helper()
	ip, err := addr.ParseIPv4(s)
	require.NoError(t, err)
	return ip
}

func mustMACArp(t *testing.T, s string) addr.MAC {
	t.Helper()
	m, err := addr.ParseMAC(s)
	require.NoError(t, err)
	return m
}

func TestARPResolveCompletesOnObserve(t *testing.T) {
	target := mustIP4(t, "192.0.2.1")
	targetMAC := mustMACArp(t, "02:00:00:00:00:01")
	tx := &fakeARPTransmitter{}
	cache, err := neighbor.NewARPCache(neighbor.ARPConfig{Transmitter: tx, ResolveTimeout: time.Second})
	require.NoError(t, err)

	tx.onRequest = func(ip addr.IPv4) {
		go cache.Observe(ip, targetMAC)
	}

	mac, err := cache.Resolve(context.Background(), target, []byte("frame"))
	require.NoError(t, err)
	assert.Equal(t, targetMAC, mac)

	got, ok := cache.Lookup(target)
	require.True(t, ok)
	assert.Equal(t, targetMAC, got)
}

func TestARPResolveTimesOut(t *testing.T) {
	target := mustIP4(t, "192.0.2.2")
	tx := &fakeARPTransmitter{}
	cache, err := neighbor.NewARPCache(neighbor.ARPConfig{Transmitter: tx, ResolveTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = cache.Resolve(context.Background(), target, nil)
	assert.Error(t, err)
}

func TestARPAgeDemotesReachableToStale(t *testing.T) {
	target := mustIP4(t, "192.0.2.3")
	mac := mustMACArp(t, "02:00:00:00:00:02")
	tx := &fakeARPTransmitter{}
	cache, err := neighbor.NewARPCache(neighbor.ARPConfig{Transmitter: tx, ReachableTimeout: time.Millisecond})
	require.NoError(t, err)

	cache.Observe(target, mac)
	time.Sleep(5 * time.Millisecond)
	cache.Age(time.Now())

	snap := cache.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, neighbor.ARPStateStale, snap[0].State)
	// Stale entries remain usable.
	got, ok := cache.Lookup(target)
	require.True(t, ok)
	assert.Equal(t, mac, got)
}

func TestARPConcurrentResolveCollapsesToOneRequest(t *testing.T) {
	target := mustIP4(t, "192.0.2.4")
	targetMAC := mustMACArp(t, "02:00:00:00:00:03")
	tx := &fakeARPTransmitter{}
	cache, err := neighbor.NewARPCache(neighbor.ARPConfig{Transmitter: tx, ResolveTimeout: time.Second})
	require.NoError(t, err)
	tx.onRequest = func(ip addr.IPv4) {
		go cache.Observe(ip, targetMAC)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Resolve(context.Background(), target, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tx.mu.Lock()
	defer tx.mu.Unlock()
	assert.Len(t, tx.requests, 1)
}
