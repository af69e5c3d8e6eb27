package terminal

import (
	"sync"
	"testing"
)

func TestSessionKey(t *testing.T) {
	if got := SessionKey("", "s1"); got != "s1" {
		t.Errorf("SessionKey(\"\", s1) = %q", got)
	}
	if got := SessionKey("dash", "s1"); got != "dash/s1" {
		t.Errorf("SessionKey(dash, s1) = %q", got)
	}
}

func TestRegistry_GetOrCreateConcurrent(t *testing.T) {
	r := NewRegistry(SessionOptions{Token: testToken, Launcher: (&fakeLauncher{}).launch})

	const n = 32
	got := make([]*Session, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = r.GetOrCreate("", "shared")
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("GetOrCreate returned distinct sessions for the same id")
		}
	}
	if len(r.List()) != 1 {
		t.Errorf("List len = %d, want 1", len(r.List()))
	}
}

func TestRegistry_PrefixIsolation(t *testing.T) {
	l := &fakeLauncher{}
	r := NewRegistry(SessionOptions{Token: testToken, Launcher: l.launch})
	a, b := &fakeConn{}, &fakeConn{}

	if err := r.Dispatch("left", a, helloPacket("1", testToken, -1, 90, 20)); err != nil {
		t.Fatalf("dispatch left: %v", err)
	}
	if err := r.Dispatch("right", b, helloPacket("1", testToken, -1, 90, 20)); err != nil {
		t.Fatalf("dispatch right: %v", err)
	}
	if l.spawned() != 2 {
		t.Errorf("spawned = %d, want 2", l.spawned())
	}
	for _, p := range a.packets(t) {
		if p.Type == PacketError {
			t.Error("client in another context was hijacked")
		}
	}

	left, ok := r.Lookup("left", "1")
	if !ok || left.ID() != "1" {
		t.Fatalf("Lookup(left, 1) = %v, %v", left, ok)
	}
	if _, ok := r.Lookup("", "1"); ok {
		t.Error("Lookup without prefix found a prefixed session")
	}
}

func TestRegistry_DetachAndList(t *testing.T) {
	l := &fakeLauncher{}
	r := NewRegistry(SessionOptions{Token: testToken, Launcher: l.launch})
	c := &fakeConn{}

	for _, id := range []string{"b", "a"} {
		if err := r.Dispatch("", c, helloPacket(id, testToken, -1, 90, 20)); err != nil {
			t.Fatalf("dispatch %s: %v", id, err)
		}
	}

	list := r.List()
	if len(list) != 2 || list[0].Key != "a" || list[1].Key != "b" {
		t.Fatalf("List = %+v, want a then b", list)
	}
	for _, info := range list {
		if info.Clients != 1 || !info.Running {
			t.Errorf("session %s = %+v", info.Key, info)
		}
	}

	r.Detach(c)
	for _, info := range r.List() {
		if info.Clients != 0 {
			t.Errorf("session %s still has %d clients", info.Key, info.Clients)
		}
	}
	if c.isClosed() {
		t.Error("Detach closed the socket")
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	l := &fakeLauncher{}
	r := NewRegistry(SessionOptions{Token: testToken, Launcher: l.launch})
	c1, c2 := &fakeConn{}, &fakeConn{}
	if err := r.Dispatch("", c1, helloPacket("a", testToken, -1, 90, 20)); err != nil {
		t.Fatal(err)
	}
	if err := r.Dispatch("", c2, helloPacket("b", testToken, -1, 90, 20)); err != nil {
		t.Fatal(err)
	}

	r.CloseAll()
	if !c1.isClosed() || !c2.isClosed() {
		t.Error("CloseAll left sockets open")
	}
}
