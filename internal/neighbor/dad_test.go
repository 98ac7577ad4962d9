package neighbor_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/neighbor"
)

type fakeDADTransmitter struct {
	mu     sync.Mutex
	probes []addr.IPv6
}

func (f *fakeDADTransmitter) SendDADProbe(target addr.IPv6) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, target)
	return nil
}

func TestDADBindsWithoutConflict(t *testing.T) {
	target := mustIP6(t, "2001:db8::100")
	tx := &fakeDADTransmitter{}
	mgr, err := neighbor.NewManager(neighbor.DADConfig{Transmitter: tx, ProbeInterval: time.Millisecond})
	require.NoError(t, err)

	done, err := mgr.Start(target)
	require.NoError(t, err)

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		mgr.Tick(time.Now())
		select {
		case <-done:
			state, ok := mgr.State(target)
			require.True(t, ok)
			assert.Equal(t, neighbor.DADStateBound, state)
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("DAD never completed")
}

func TestDADConflictMarksDuplicate(t *testing.T) {
	target := mustIP6(t, "2001:db8::101")
	tx := &fakeDADTransmitter{}
	mgr, err := neighbor.NewManager(neighbor.DADConfig{Transmitter: tx, ProbeInterval: time.Second})
	require.NoError(t, err)

	done, err := mgr.Start(target)
	require.NoError(t, err)

	mgr.ObserveConflict(target)
	<-done

	state, ok := mgr.State(target)
	require.True(t, ok)
	assert.Equal(t, neighbor.DADStateDuplicate, state)
}
