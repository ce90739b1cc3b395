package chat

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeClient struct {
	deliver       func(Event)
	failJoin      map[string]bool
	disconnectErr error

	mu       sync.Mutex
	attempts []string
	done     chan struct{}
	once     sync.Once
}

func (c *fakeClient) Connect() error {
	c.deliver(Event{Kind: KindConnected})
	<-c.done
	return nil
}

func (c *fakeClient) Disconnect() error {
	c.once.Do(func() { close(c.done) })
	return c.disconnectErr
}

// Join confirms the join before recording the attempt, so a test that sees
// the attempt also sees the confirmation.
func (c *fakeClient) Join(ch string) error {
	var err error
	if c.failJoin[ch] {
		err = errors.New("join rejected")
	} else {
		c.deliver(Event{Kind: KindJoined, Channel: ch})
	}
	c.mu.Lock()
	c.attempts = append(c.attempts, ch)
	c.mu.Unlock()
	return err
}

func (c *fakeClient) joinAttempts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.attempts...)
	sort.Strings(out)
	return out
}

func (c *fakeClient) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu            sync.Mutex
	clients       []*fakeClient
	failJoin      map[string]bool
	dialErr       error
	disconnectErr error
}

func (d *fakeDialer) Dial(_ context.Context, deliver func(Event)) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &fakeClient{deliver: deliver, failJoin: d.failJoin, disconnectErr: d.disconnectErr, done: make(chan struct{})}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

type handleList struct {
	mu      sync.Mutex
	handles []string
	err     error
}

func (l *handleList) ListPlatformHandles(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.handles...), l.err
}

func (l *handleList) set(h ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles = h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// runGateway starts gw.Run and returns a stop func that cancels and waits.
func runGateway(t *testing.T, gw *Gateway) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gw.Run(ctx)
		close(done)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestGatewayJoinsLinkedChannelsOnConnect(t *testing.T) {
	dialer := &fakeDialer{failJoin: map[string]bool{"bob": true}}
	handles := &handleList{handles: []string{"alice", "bob", "carol"}}
	gw := NewGateway(dialer, handles, time.Hour)
	runGateway(t, gw)

	waitFor(t, "connected", gw.Connected)
	waitFor(t, "join attempts", func() bool { return len(dialer.client(0).joinAttempts()) == 3 })

	if got := dialer.client(0).joinAttempts(); !reflect.DeepEqual(got, []string{"alice", "bob", "carol"}) {
		t.Errorf("join attempts = %v", got)
	}
	if got := gw.Joined(); !reflect.DeepEqual(got, []string{"alice", "carol"}) {
		t.Errorf("Joined() = %v, want [alice carol]", got)
	}
}

func TestGatewayReconnectRejoinsCurrentHandles(t *testing.T) {
	dialer := &fakeDialer{}
	handles := &handleList{handles: []string{"alice"}}
	gw := NewGateway(dialer, handles, time.Hour)
	runGateway(t, gw)
	waitFor(t, "first connection", gw.Connected)

	handles.set("alice", "dave", "erin")
	gw.Reconnect()
	waitFor(t, "second dial", func() bool { return dialer.count() == 2 })
	waitFor(t, "rejoin", func() bool { return len(dialer.client(1).joinAttempts()) == 3 })

	if !dialer.client(0).closed() {
		t.Error("first connection was not disconnected")
	}
	if got := dialer.client(1).joinAttempts(); !reflect.DeepEqual(got, []string{"alice", "dave", "erin"}) {
		t.Errorf("join attempts after reconnect = %v", got)
	}
	if got := gw.Joined(); !reflect.DeepEqual(got, []string{"alice", "dave", "erin"}) {
		t.Errorf("Joined() = %v", got)
	}
}

func TestGatewayTickerForcesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	gw := NewGateway(dialer, &handleList{}, 20*time.Millisecond)
	runGateway(t, gw)

	waitFor(t, "scheduled reconnects", func() bool { return dialer.count() >= 3 })
}

func TestGatewayIsolatesHandlerFailures(t *testing.T) {
	dialer := &fakeDialer{}
	gw := NewGateway(dialer, &handleList{}, time.Hour)

	var mu sync.Mutex
	var subs []Event
	gw.Handle(KindCheer, func(context.Context, Event) error { panic("ledger exploded") })
	gw.Handle(KindResubscription, func(context.Context, Event) error { return errors.New("always fails") })
	gw.Handle(KindSubscription, func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		subs = append(subs, ev)
		return nil
	})
	runGateway(t, gw)
	waitFor(t, "connected", gw.Connected)

	c := dialer.client(0)
	for i := 0; i < 5; i++ {
		c.deliver(Event{Kind: KindCheer, Channel: "alice", Bits: 100})
		c.deliver(Event{Kind: KindResubscription, Channel: "alice", Tier: Tier1})
	}
	c.deliver(Event{Kind: KindSubscription, Channel: "alice", Tier: Tier2})

	mu.Lock()
	defer mu.Unlock()
	if len(subs) != 1 || subs[0].Tier != Tier2 {
		t.Errorf("subscription handler saw %v, want one tier 2 event", subs)
	}
	if !gw.Connected() {
		t.Error("handler failures affected the connection")
	}
}

func TestGatewayDropsEventsFromSupersededConnection(t *testing.T) {
	dialer := &fakeDialer{}
	gw := NewGateway(dialer, &handleList{}, time.Hour)
	calls := 0
	var mu sync.Mutex
	gw.Handle(KindCheer, func(context.Context, Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	})
	runGateway(t, gw)
	waitFor(t, "connected", gw.Connected)

	old := dialer.client(0)
	gw.Reconnect()
	waitFor(t, "second dial", func() bool { return dialer.count() == 2 })
	waitFor(t, "reconnected", gw.Connected)

	old.deliver(Event{Kind: KindCheer, Channel: "alice", Bits: 1})
	dialer.client(1).deliver(Event{Kind: KindCheer, Channel: "alice", Bits: 1})

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1 (stale event must be dropped)", calls)
	}
}

func TestGatewayDisconnectFailureDoesNotBlockReconnect(t *testing.T) {
	dialer := &fakeDialer{disconnectErr: errors.New("socket already closed")}
	gw := NewGateway(dialer, &handleList{}, time.Hour)
	runGateway(t, gw)
	waitFor(t, "connected", gw.Connected)

	gw.Reconnect()
	waitFor(t, "second dial", func() bool { return dialer.count() == 2 })
	waitFor(t, "reconnected", gw.Connected)
}

func TestGatewayDialFailureStaysDisconnectedUntilRetry(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("no token")}
	gw := NewGateway(dialer, &handleList{handles: []string{"alice"}}, time.Hour)
	runGateway(t, gw)

	waitFor(t, "disconnected", func() bool { return gw.State() == StateDisconnected && dialer.count() == 0 })

	dialer.setDialErr(nil)
	gw.Reconnect()
	waitFor(t, "connected after retry", gw.Connected)
	waitFor(t, "joined", func() bool { return len(gw.Joined()) == 1 })
}

func TestGatewayListFailureKeepsConnection(t *testing.T) {
	dialer := &fakeDialer{}
	gw := NewGateway(dialer, &handleList{err: errors.New("db down")}, time.Hour)
	runGateway(t, gw)

	waitFor(t, "connected", gw.Connected)
	if got := dialer.client(0).joinAttempts(); len(got) != 0 {
		t.Errorf("join attempts = %v, want none", got)
	}
}

func TestJoinChannel(t *testing.T) {
	dialer := &fakeDialer{}
	gw := NewGateway(dialer, &handleList{}, time.Hour)

	// not running yet: nothing to join on
	gw.JoinChannel("early")

	runGateway(t, gw)
	waitFor(t, "connected", gw.Connected)

	gw.JoinChannel("  NewUser ")
	if got := dialer.client(0).joinAttempts(); !reflect.DeepEqual(got, []string{"newuser"}) {
		t.Errorf("join attempts = %v, want [newuser]", got)
	}
	if got := gw.Joined(); !reflect.DeepEqual(got, []string{"newuser"}) {
		t.Errorf("Joined() = %v", got)
	}
}

func TestGatewayShutdownWaitsForInflightHandlers(t *testing.T) {
	dialer := &fakeDialer{}
	gw := NewGateway(dialer, &handleList{}, time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	gw.Handle(KindCheer, func(context.Context, Event) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(started)
			<-release
		}
		return nil
	})
	stop := runGateway(t, gw)
	waitFor(t, "connected", gw.Connected)

	c := dialer.client(0)
	go c.deliver(Event{Kind: KindCheer, Channel: "alice", Bits: 10})
	<-started

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Run returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped

	c.deliver(Event{Kind: KindCheer, Channel: "alice", Bits: 10})
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1 (no dispatch after shutdown)", calls)
	}
	if gw.State() != StateDisconnected {
		t.Errorf("State() = %v after shutdown", gw.State())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
