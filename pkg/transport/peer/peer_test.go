package peer

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"teleprompter/pkg/presence"
	"teleprompter/pkg/protocol"
	"teleprompter/pkg/session"
	"teleprompter/pkg/webrtc/signaling"
)

func broker(t *testing.T) string {
	t.Helper()
	hub := signaling.NewHub(presence.NewMemoryStore(), signaling.HubOptions{})
	srv := httptest.NewServer(hub.HTTPHandler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// loopbackAPI gathers host candidates only, so peers connect without STUN.
func loopbackAPI() *webrtc.API {
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func newTransport(url string) *Transport {
	return New(Options{BrokerURL: url, API: loopbackAPI()})
}

func TestHostIDTaken(t *testing.T) {
	url := broker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first := newTransport(url)
	if err := first.Open(ctx, session.RoleHost, "K7M2", nil); err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	if !first.Ready() || first.LocalID() != "teleprompter-K7M2" {
		t.Fatalf("host not ready as teleprompter-K7M2: %q", first.LocalID())
	}

	second := newTransport(url)
	if err := second.Open(ctx, session.RoleHost, "K7M2", nil); !errors.Is(err, session.ErrIDTaken) {
		t.Fatalf("err = %v, want ErrIDTaken", err)
	}
	if second.Ready() {
		t.Fatal("rejected host reports ready")
	}
}

func TestRemoteWithoutHost(t *testing.T) {
	url := broker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	remote := newTransport(url)
	if err := remote.Open(ctx, session.RoleRemote, "ZZZZ", nil); !errors.Is(err, ErrHostNotFound) {
		t.Fatalf("err = %v, want ErrHostNotFound", err)
	}
}

func TestOpenHonorsCancelledContext(t *testing.T) {
	url := broker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := newTransport(url).Open(ctx, session.RoleHost, "ABCD", nil); err == nil {
		t.Fatal("open with a cancelled context succeeded")
	}
}

func TestDataChannelRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real peer connection")
	}
	url := broker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostIn := make(chan protocol.ControlMessage, 4)
	host := newTransport(url)
	if err := host.Open(ctx, session.RoleHost, "K7M2", func(m protocol.ControlMessage) { hostIn <- m }); err != nil {
		t.Fatal(err)
	}
	defer host.Close()

	remoteIn := make(chan protocol.ControlMessage, 4)
	remote := newTransport(url)
	if err := remote.Open(ctx, session.RoleRemote, "K7M2", func(m protocol.ControlMessage) { remoteIn <- m }); err != nil {
		t.Fatalf("remote open: %v", err)
	}
	defer remote.Close()

	if err := remote.Send(ctx, protocol.SetDirection(protocol.Reverse)); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-hostIn:
		if d, err := m.Direction(); err != nil || d != protocol.Reverse {
			t.Fatalf("host got %+v", m)
		}
	case <-ctx.Done():
		t.Fatal("host never received the message")
	}

	deadline := time.Now().Add(5 * time.Second)
	for host.Peers() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if host.Peers() != 1 {
		t.Fatalf("host peers = %d", host.Peers())
	}

	if err := host.Send(ctx, protocol.SetSpeed(4)); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-remoteIn:
		if v, _ := m.Number(); v != 4 {
			t.Fatalf("remote got %+v", m)
		}
	case <-ctx.Done():
		t.Fatal("remote never received the message")
	}
}
