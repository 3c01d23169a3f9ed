package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"

	"teleprompter/pkg/protocol"
	"teleprompter/pkg/session"
)

func natsConn(t *testing.T, url string, opts ...nats.Option) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSRelayFiltersOwnEcho(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	host := NewNATS(natsConn(t, srv.ClientURL()), "", nil)
	remote := NewNATS(natsConn(t, srv.ClientURL()), "", nil)
	hostIn, remoteIn := openPair(t, host, remote)
	if !host.Ready() || !remote.Ready() {
		t.Fatal("transports not ready after open")
	}

	if err := host.Send(context.Background(), protocol.SetSpeed(4.5)); err != nil {
		t.Fatal(err)
	}
	if v, _ := remoteIn.next(t).Number(); v != 4.5 {
		t.Fatalf("remote speed = %v", v)
	}
	hostIn.empty(t)

	if err := remote.Send(context.Background(), protocol.ResetScroll()); err != nil {
		t.Fatal(err)
	}
	if got := hostIn.next(t); got.Type != protocol.ResetScrollType {
		t.Fatalf("host received %+v", got)
	}
	remoteIn.empty(t)
}

func TestNATSRelayOpenTwiceAndClose(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	tr := NewNATS(natsConn(t, srv.ClientURL()), "", nil)
	ctx := context.Background()
	in := make(inbox, 4)
	if err := tr.Open(ctx, session.RoleHost, "K7M2", in.deliver); err != nil {
		t.Fatal(err)
	}
	if err := tr.Open(ctx, session.RoleHost, "K7M2", in.deliver); !errors.Is(err, errAlreadyOpen) {
		t.Fatalf("second open err = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if tr.Ready() {
		t.Fatal("ready after close")
	}
	if err := tr.Send(ctx, protocol.SetPlaying(true)); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("send after close err = %v", err)
	}
	if err := tr.Open(ctx, session.RoleHost, "BBBB", in.deliver); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
}

func TestNATSReadyDoesNotWaitForFlush(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	nc := natsConn(t, srv.ClientURL(), nats.MaxReconnects(-1), nats.ReconnectWait(time.Hour))
	srv.Shutdown()

	tr := NewNATS(nc, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tr.Open(ctx, session.RoleHost, "K7M2", make(inbox, 1).deliver) }()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	if tr.Ready() {
		t.Fatal("ready without a server")
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Fatalf("Ready blocked for %v", d)
	}
	if err := <-done; err == nil {
		t.Fatal("open succeeded without a server")
	}
}
