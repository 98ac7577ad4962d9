package socket

import "testing"

func TestKeyCandidatesMostSpecificFirst(t *testing.T) {
	full := Key{Family: INET4, Type: STREAM, LocalIP: "10.0.0.1", LocalPort: 80, RemoteIP: "10.0.0.2", RemotePort: 5000}
	cands := full.candidates()
	if cands[0] != full {
		t.Fatalf("first candidate = %v, want fully qualified %v", cands[0], full)
	}
	last := cands[len(cands)-1]
	if last.RemoteIP != "" || last.RemotePort != 0 || last.LocalIP != "" {
		t.Fatalf("last candidate should be the fully wildcarded listening key, got %v", last)
	}
}

func TestTableRegisterRejectsDuplicate(t *testing.T) {
	table := NewTable()
	key := Key{Family: INET4, Type: DGRAM, LocalIP: "10.0.0.1", LocalPort: 9999}
	if err := table.Register(key, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := table.Register(key, nil); err != ErrAddressInUse {
		t.Fatalf("Register duplicate = %v, want ErrAddressInUse", err)
	}
}

func TestTableLookupPrefersFullyQualified(t *testing.T) {
	table := NewTable()
	listen := Key{Family: INET4, Type: STREAM, LocalIP: "10.0.0.1", LocalPort: 80}
	full := Key{Family: INET4, Type: STREAM, LocalIP: "10.0.0.1", LocalPort: 80, RemoteIP: "10.0.0.2", RemotePort: 5000}

	listenSock := &stubSocket{k: listen}
	fullSock := &stubSocket{k: full}

	if err := table.Register(listen, listenSock); err != nil {
		t.Fatalf("Register listen: %v", err)
	}
	if err := table.Register(full, fullSock); err != nil {
		t.Fatalf("Register full: %v", err)
	}

	got, ok := table.Lookup(full)
	if !ok || got != Socket(fullSock) {
		t.Fatalf("Lookup(full) = %v, %v, want fullSock", got, ok)
	}

	other := full
	other.RemotePort = 9000
	got, ok = table.Lookup(other)
	if !ok || got != Socket(listenSock) {
		t.Fatalf("Lookup(other) = %v, %v, want listenSock (fall back to LISTEN)", got, ok)
	}
}

type stubSocket struct{ k Key }

func (s *stubSocket) Key() Key { return s.k }

func TestAllocateEphemeralPortAvoidsCollisions(t *testing.T) {
	table := NewTable()
	first, err := table.AllocateEphemeralPort(INET4, STREAM, "10.0.0.1")
	if err != nil {
		t.Fatalf("AllocateEphemeralPort: %v", err)
	}
	if err := table.Register(Key{Family: INET4, Type: STREAM, LocalIP: "10.0.0.1", LocalPort: first}, &stubSocket{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	second, err := table.AllocateEphemeralPort(INET4, STREAM, "10.0.0.1")
	if err != nil {
		t.Fatalf("AllocateEphemeralPort: %v", err)
	}
	if second == first {
		t.Fatalf("AllocateEphemeralPort returned the same busy port twice: %d", first)
	}
}
