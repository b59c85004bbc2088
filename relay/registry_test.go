package relay

import (
	"reflect"
	"sync"
	"testing"
)

func TestRegistryNewestWins(t *testing.T) {
	reg := NewRegistry()

	first := newFakeClient("alice", TransportSocket)
	second := newFakeClient("alice", TransportPush)

	if prev := reg.Register("alice", first); prev != nil {
		t.Fatalf("unexpected previous client %v", prev)
	}
	prev := reg.Register("alice", second)
	if prev != first {
		t.Fatalf("expected first client back, got %v", prev)
	}

	got, ok := reg.Lookup("alice")
	if !ok || got != second {
		t.Fatal("newest registration should own the name")
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 identity, got %d", reg.Len())
	}
}

func TestRegistryUnregisterIsGuarded(t *testing.T) {
	reg := NewRegistry()

	stale := newFakeClient("bob", TransportSocket)
	current := newFakeClient("bob", TransportPush)
	reg.Register("bob", stale)
	reg.Register("bob", current)

	// The replaced connection's teardown must not evict its successor.
	if reg.Unregister("bob", stale) {
		t.Fatal("stale client should not unregister the current one")
	}
	if _, ok := reg.Lookup("bob"); !ok {
		t.Fatal("current client was evicted by a stale teardown")
	}

	if !reg.Unregister("bob", current) {
		t.Fatal("current client should be able to unregister itself")
	}
	if _, ok := reg.Lookup("bob"); ok {
		t.Fatal("name still bound after unregister")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"mallory", "alice", "bob"} {
		reg.Register(name, newFakeClient(name, TransportSocket))
	}

	want := []string{"alice", "bob", "mallory"}
	if got := reg.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
}

func TestRegistryConcurrentRegistrationSettlesToOne(t *testing.T) {
	reg := NewRegistry()

	const racers = 16
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Register("carol", newFakeClient("carol", TransportSocket))
		}()
	}
	wg.Wait()

	if reg.Len() != 1 {
		t.Fatalf("expected exactly one winner, got %d entries", reg.Len())
	}
	if _, ok := reg.Lookup("carol"); !ok {
		t.Fatal("no client bound after concurrent registration")
	}
}
