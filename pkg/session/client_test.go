package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"teleprompter/pkg/protocol"
	"teleprompter/pkg/roomcode"
)

type pair struct {
	relay  *MemoryTransport
	direct *MemoryTransport
	client *Client
}

func newPair(bus *MemoryBus, opts Options) pair {
	p := pair{
		relay:  bus.Transport("relay", false),
		direct: bus.Transport("direct", true),
	}
	opts.Transports = []Transport{p.relay, p.direct}
	p.client = NewClient(opts)
	return p
}

func fixedCodes(codes ...string) func() string {
	i := 0
	return func() string {
		c := codes[i%len(codes)]
		i++
		return c
	}
}

// waitSettled waits for handshakes still running after the connect call returned.
func waitSettled(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		settled := true
		for _, s := range c.State().Transports {
			if s == StatusConnecting {
				settled = false
			}
		}
		if settled {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transports never settled: %+v", c.State())
}

func receive(t *testing.T, c *Client) Delivery {
	t.Helper()
	select {
	case d := <-c.Messages():
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return Delivery{}
	}
}

func TestHostRemoteRoundTripOnBothTransports(t *testing.T) {
	bus := NewMemoryBus()
	host := newPair(bus, Options{GenerateCode: fixedCodes("K7M2")})
	remote := newPair(bus, Options{})
	ctx := context.Background()

	code, err := host.client.StartHost(ctx)
	if err != nil || code != "K7M2" {
		t.Fatalf("StartHost = %q, %v", code, err)
	}
	if err := remote.client.ConnectToHost(ctx, "k7m2"); err != nil {
		t.Fatalf("ConnectToHost: %v", err)
	}
	waitSettled(t, host.client)
	waitSettled(t, remote.client)
	if err := remote.client.SendMessage(ctx, protocol.SetSpeed(5.0)); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		d := receive(t, host.client)
		if d.Message.Type != protocol.SetSpeedType {
			t.Fatalf("type = %s", d.Message.Type)
		}
		if v, err := d.Message.Number(); err != nil || v != 5.0 {
			t.Fatalf("payload = %v, %v", v, err)
		}
		seen[d.Transport] = true
	}
	if !seen["relay"] || !seen["direct"] {
		t.Fatalf("deliveries by transport: %v", seen)
	}

	st := host.client.State()
	if !st.IsConnected || st.ClientCount != 1 || st.PeerID != roomcode.PeerID("K7M2") {
		t.Fatalf("host state = %+v", st)
	}
	if st.Degraded() {
		t.Fatalf("both transports ready but degraded: %+v", st)
	}
}

func TestClientCountOnlyTracksDirectTransport(t *testing.T) {
	bus := NewMemoryBus()
	host := newPair(bus, Options{GenerateCode: fixedCodes("ABCD")})
	ctx := context.Background()
	if _, err := host.client.StartHost(ctx); err != nil {
		t.Fatal(err)
	}

	direct := newPair(bus, Options{})
	if err := direct.client.ConnectToHost(ctx, "ABCD"); err != nil {
		t.Fatal(err)
	}
	relayOnly := newPair(bus, Options{})
	relayOnly.direct.OpenErr = errors.New("no route")
	if err := relayOnly.client.ConnectToHost(ctx, "ABCD"); err != nil {
		t.Fatal(err)
	}
	waitSettled(t, host.client)
	waitSettled(t, direct.client)
	waitSettled(t, relayOnly.client)

	if got := host.client.State().ClientCount; got != 1 {
		t.Fatalf("client count = %d, want 1", got)
	}
	st := relayOnly.client.State()
	if !st.IsConnected || !st.Degraded() || st.Error == "" {
		t.Fatalf("relay-only remote state = %+v", st)
	}
	if st.Transports["direct"] != StatusFailed || st.Transports["relay"] != StatusReady {
		t.Fatalf("transport statuses = %v", st.Transports)
	}
}

func TestConnectTimeoutCancelsHandshakes(t *testing.T) {
	bus := NewMemoryBus()
	host := newPair(bus, Options{ConnectTimeout: 50 * time.Millisecond})
	host.relay.OpenDelay = time.Hour
	host.direct.OpenDelay = time.Hour

	start := time.Now()
	_, err := host.client.StartHost(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("handshakes were not cancelled")
	}
	st := host.client.State()
	if st.IsConnected || st.Error == "" {
		t.Fatalf("state = %+v", st)
	}
	for name, s := range st.Transports {
		if s != StatusFailed {
			t.Fatalf("%s status = %s", name, s)
		}
	}
}

func TestCallerContextCancelsConnect(t *testing.T) {
	bus := NewMemoryBus()
	remote := newPair(bus, Options{})
	remote.relay.OpenDelay = time.Hour
	remote.direct.OpenDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := remote.client.ConnectToHost(ctx, "ABCD"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartHostRegeneratesTakenCode(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	first := newPair(bus, Options{GenerateCode: fixedCodes("AAAA")})
	if _, err := first.client.StartHost(ctx); err != nil {
		t.Fatal(err)
	}

	second := newPair(bus, Options{GenerateCode: fixedCodes("AAAA", "BBBB")})
	second.relay.OpenDelay = 50 * time.Millisecond
	code, err := second.client.StartHost(ctx)
	if err != nil {
		t.Fatalf("StartHost: %v", err)
	}
	if code != "BBBB" {
		t.Fatalf("code = %s, want BBBB", code)
	}
}

func TestStartHostRegeneratesWhenDirectRegistersLast(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	first := newPair(bus, Options{GenerateCode: fixedCodes("AAAA")})
	if _, err := first.client.StartHost(ctx); err != nil {
		t.Fatal(err)
	}

	second := newPair(bus, Options{GenerateCode: fixedCodes("AAAA", "BBBB")})
	second.direct.OpenDelay = 20 * time.Millisecond
	code, err := second.client.StartHost(ctx)
	if err != nil {
		t.Fatalf("StartHost: %v", err)
	}
	if code != "BBBB" {
		t.Fatalf("code = %s, want BBBB", code)
	}
	st := second.client.State()
	if st.Transports["relay"] != StatusReady || st.Transports["direct"] != StatusReady || st.Error != "" {
		t.Fatalf("state = %+v", st)
	}

	remote := newPair(bus, Options{})
	if err := remote.client.ConnectToHost(ctx, "AAAA"); err != nil {
		t.Fatal(err)
	}
	waitSettled(t, remote.client)
	if err := remote.client.SendMessage(ctx, protocol.SetSpeed(7)); err != nil {
		t.Fatal(err)
	}
	receive(t, first.client)
	select {
	case d := <-second.client.Messages():
		t.Fatalf("second host received %s via %s", d.Message.Type, d.Transport)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHostStaysUpWhenDirectNeverRegisters(t *testing.T) {
	bus := NewMemoryBus()
	host := newPair(bus, Options{GenerateCode: fixedCodes("CDEF"), ConnectTimeout: 50 * time.Millisecond})
	host.direct.OpenDelay = time.Hour

	code, err := host.client.StartHost(context.Background())
	if err != nil || code != "CDEF" {
		t.Fatalf("StartHost = %q, %v", code, err)
	}
	st := host.client.State()
	if !st.IsConnected || !st.Degraded() || st.Transports["direct"] != StatusFailed {
		t.Fatalf("state = %+v", st)
	}
}

func TestStartHostGivesUpAfterMaxAttempts(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	first := newPair(bus, Options{GenerateCode: fixedCodes("AAAA")})
	if _, err := first.client.StartHost(ctx); err != nil {
		t.Fatal(err)
	}
	second := newPair(bus, Options{GenerateCode: fixedCodes("AAAA"), MaxAttempts: 2})
	second.relay.OpenErr = errors.New("relay down")
	if _, err := second.client.StartHost(ctx); !errors.Is(err, ErrIDTaken) {
		t.Fatalf("err = %v, want ErrIDTaken", err)
	}
}

func TestAllTransportsFailing(t *testing.T) {
	bus := NewMemoryBus()
	p := newPair(bus, Options{})
	p.relay.OpenErr = errors.New("relay misconfigured")
	p.direct.OpenErr = errors.New("broker unreachable")

	err := p.client.ConnectToHost(context.Background(), "ABCD")
	if err == nil {
		t.Fatal("expected error")
	}
	if p.client.State().IsConnected {
		t.Fatal("connected with no transport")
	}
	if err := p.client.SendMessage(context.Background(), protocol.SetPlaying(true)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send err = %v", err)
	}
}

func TestInvalidRoomCode(t *testing.T) {
	p := newPair(NewMemoryBus(), Options{})
	if err := p.client.ConnectToHost(context.Background(), "K0O1"); !errors.Is(err, roomcode.ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
}

func TestStopResetsAndIsIdempotent(t *testing.T) {
	bus := NewMemoryBus()
	host := newPair(bus, Options{GenerateCode: fixedCodes("WXYZ")})
	if _, err := host.client.StartHost(context.Background()); err != nil {
		t.Fatal(err)
	}

	host.client.Stop()
	host.client.Stop()

	st := host.client.State()
	if st.IsConnected || st.RoomCode != "" || st.ClientCount != 0 || st.PeerID != "" {
		t.Fatalf("state after stop = %+v", st)
	}
	if host.relay.Ready() || host.direct.Ready() {
		t.Fatal("transports left open")
	}

	again := newPair(bus, Options{GenerateCode: fixedCodes("WXYZ")})
	if _, err := again.client.StartHost(context.Background()); err != nil {
		t.Fatalf("room not released: %v", err)
	}
}
