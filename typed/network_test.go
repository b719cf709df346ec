// SPDX-License-Identifier: AGPL3.0-or-later

package typed

import (
	"net"
	"sync"
	"testing"
	"time"

	"meshnet/config"
	"meshnet/overlay"
	"meshnet/peer"
)

var loopback = net.IPv4(127, 0, 0, 1)

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return uint16(port)
}

func newNode(t *testing.T, tune func(*config.NetworkConfig)) *Network {
	t.Helper()
	cfg := config.Defaults()
	cfg.Port = freePort(t)
	if tune != nil {
		tune(cfg)
	}
	n := NewNetwork(cfg)
	if err := n.SyncAwake(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		n.Disconnect()
		n.Join()
	})
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func memberCount(n *Network) int { return len(n.Peers()) }

func TestTwoNodeStringExchange(t *testing.T) {
	a := newNode(t, nil)
	b := newNode(t, nil)

	var mu sync.Mutex
	var got []string
	var flags []bool
	AddListener(a, func(ev Event[string]) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Value)
		flags = append(flags, ev.SentToAll)
	})

	if err := b.SyncConnect(loopback, a.Port()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "mutual membership", func() bool {
		return memberCount(a) == 1 && memberCount(b) == 1
	})

	if err := Send(b, "hello"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "hello" || !flags[0] {
		t.Fatalf("got %v flags %v", got, flags)
	}
}

func TestThreeNodeBroadcastExactlyOnce(t *testing.T) {
	a := newNode(t, nil)
	b := newNode(t, nil)
	c := newNode(t, nil)

	var mu sync.Mutex
	counts := map[peer.ID]int{}
	listen := func(n *Network) {
		AddListener(n, func(ev Event[int32]) {
			if ev.Value != 42 {
				t.Errorf("got %d", ev.Value)
			}
			mu.Lock()
			counts[n.Self()]++
			mu.Unlock()
		})
	}
	listen(a)
	listen(b)

	if err := b.SyncConnect(loopback, a.Port()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a<->b", func() bool {
		return memberCount(a) == 1 && memberCount(b) == 1
	})
	if err := c.SyncConnect(loopback, a.Port()); err != nil {
		t.Fatal(err)
	}
	// c learns of b through a's member list and dials it directly
	waitFor(t, "full mesh", func() bool {
		return memberCount(a) == 2 && memberCount(b) == 2 && memberCount(c) == 2
	})

	if err := Send(c, int32(42)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "broadcast delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[a.Self()] >= 1 && counts[b.Self()] >= 1
	})
	// give late duplicates a chance to show up before asserting
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if counts[a.Self()] != 1 || counts[b.Self()] != 1 {
		t.Fatalf("duplicate deliveries: %v", counts)
	}
}

func TestBridgedRelayDelivery(t *testing.T) {
	a := newNode(t, nil)
	b := newNode(t, nil)
	c := newNode(t, nil)

	// a refuses direct connections from c, forcing c to reach a
	// through b as its bridge
	a.SetConnectionPredicate(func(id peer.ID, addr net.IP, port uint16) bool {
		return id != c.Self()
	})

	var mu sync.Mutex
	var got []Event[string]
	AddListener(a, func(ev Event[string]) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})

	if err := b.SyncConnect(loopback, a.Port()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a<->b", func() bool {
		return memberCount(a) == 1 && memberCount(b) == 1
	})
	if err := c.SyncConnect(loopback, b.Port()); err != nil {
		t.Fatal(err)
	}

	// c ends up with a as a bridged member at distance > 0
	waitFor(t, "bridged route to a", func() bool {
		for _, p := range c.Peers() {
			if p.ID == a.Self() && p.Connected() && p.Distance > 0 {
				return true
			}
		}
		return false
	})

	if err := SendTo(c, a.Self(), "relay"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "relayed delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Value != "relay" || got[0].SentToAll {
		t.Fatalf("got %+v", got[0])
	}
	if got[0].Source != c.Self() {
		t.Fatal("relayed message must carry the original sender")
	}
}

func TestGracefulLeavePropagation(t *testing.T) {
	a := newNode(t, nil)
	b := newNode(t, nil)
	c := newNode(t, nil)

	var mu sync.Mutex
	discs := map[peer.ID]int{}
	watch := func(n *Network) {
		n.AddDisconnectionListener(func(p peer.Peer, reason overlay.DisconnectReason) {
			if p.ID != a.Self() {
				return
			}
			mu.Lock()
			discs[n.Self()]++
			mu.Unlock()
		})
	}
	watch(b)
	watch(c)

	if err := b.SyncConnect(loopback, a.Port()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a<->b", func() bool {
		return memberCount(a) == 1 && memberCount(b) == 1
	})
	if err := c.SyncConnect(loopback, a.Port()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "full mesh", func() bool {
		return memberCount(a) == 2 && memberCount(b) == 2 && memberCount(c) == 2
	})

	if err := a.Disconnect(); err != nil {
		t.Fatal(err)
	}
	a.Join()

	waitFor(t, "leave propagation", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return discs[b.Self()] >= 1 && discs[c.Self()] >= 1
	})
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	if discs[b.Self()] != 1 || discs[c.Self()] != 1 {
		mu.Unlock()
		t.Fatalf("duplicate disconnect events: %v", discs)
	}
	mu.Unlock()

	for _, p := range append(b.Peers(), c.Peers()...) {
		if p.ID == a.Self() && p.Connected() {
			t.Fatal("departed peer still listed as connected")
		}
	}

	// the surviving pair still talks
	var mu2 sync.Mutex
	heard := 0
	AddListener(c, func(ev Event[string]) {
		mu2.Lock()
		heard++
		mu2.Unlock()
	})
	if err := Send(b, "still here"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "post-leave delivery", func() bool {
		mu2.Lock()
		defer mu2.Unlock()
		return heard == 1
	})
}

func TestPredicateRefusal(t *testing.T) {
	a := newNode(t, nil)
	b := newNode(t, nil)
	a.SetConnectionPredicate(func(peer.ID, net.IP, uint16) bool { return false })

	if err := b.SyncConnect(loopback, a.Port()); err == nil {
		t.Fatal("expected refusal")
	}
	if memberCount(a) != 0 || memberCount(b) != 0 {
		t.Fatal("refused peer must not join either table")
	}
}

func TestTimeoutDisconnect(t *testing.T) {
	// a stays silent after bootstrap; b times it out quickly
	a := newNode(t, func(cfg *config.NetworkConfig) {
		cfg.KeepAliveMs = 600000
	})
	b := newNode(t, func(cfg *config.NetworkConfig) {
		cfg.KeepAliveMs = 600000
		cfg.TimeoutMs = 300
		cfg.SweepMs = 100
	})

	var mu sync.Mutex
	var reason overlay.DisconnectReason
	gone := false
	b.AddDisconnectionListener(func(p peer.Peer, r overlay.DisconnectReason) {
		mu.Lock()
		defer mu.Unlock()
		gone = true
		reason = r
	})

	if err := b.SyncConnect(loopback, a.Port()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "timeout disconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gone
	})
	mu.Lock()
	defer mu.Unlock()
	if reason != overlay.ReasonTimeout {
		t.Fatalf("expected timeout reason, got %s", reason)
	}
}

func TestInvalidStateErrors(t *testing.T) {
	n := newNode(t, nil)
	if err := n.Awake(); err != overlay.ErrAlreadyRunning {
		t.Fatalf("double awake: %v", err)
	}
	if err := n.SetPort(1); err == nil {
		t.Fatal("expected error changing port while running")
	}
	if err := n.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := n.Disconnect(); err != nil {
		t.Fatal("disconnect must be idempotent")
	}
	if err := n.SetPort(freePort(t)); err != nil {
		t.Fatalf("port change while stopped: %v", err)
	}
}
