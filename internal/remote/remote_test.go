package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"teleprompter/pkg/protocol"
	"teleprompter/pkg/roomcode"
	"teleprompter/pkg/session"
)

type fixture struct {
	host   *session.Client
	remote *Controller
}

func setup(t *testing.T, onState func(protocol.StatePayload)) fixture {
	t.Helper()
	bus := session.NewMemoryBus()
	host := session.NewClient(session.Options{
		// The direct transport alone keeps every message single-delivery.
		Transports:   []session.Transport{bus.Transport("direct", true)},
		GenerateCode: func() string { return "K7M2" },
	})
	client := session.NewClient(session.Options{
		Transports: []session.Transport{bus.Transport("direct", true)},
	})
	ctx := context.Background()
	if _, err := host.StartHost(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(host.Stop)

	r := New(Options{Session: client, OnState: onState})
	if err := r.Connect(ctx, "k7m2"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Disconnect)
	return fixture{host: host, remote: r}
}

func next(t *testing.T, c *session.Client) protocol.ControlMessage {
	t.Helper()
	select {
	case d := <-c.Messages():
		return d.Message
	case <-time.After(2 * time.Second):
		t.Fatal("host received nothing")
		return protocol.ControlMessage{}
	}
}

func TestControlsSendAssignments(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		press func() error
		check func(protocol.ControlMessage) bool
	}{
		{"play", func() error { return f.remote.Play(ctx) }, func(m protocol.ControlMessage) bool {
			v, err := m.Bool()
			return m.Type == protocol.SetPlayingType && err == nil && v
		}},
		{"toggle pauses", func() error { return f.remote.TogglePlay(ctx) }, func(m protocol.ControlMessage) bool {
			v, err := m.Bool()
			return m.Type == protocol.SetPlayingType && err == nil && !v
		}},
		{"adjust speed", func() error { return f.remote.AdjustSpeed(ctx, 1.5) }, func(m protocol.ControlMessage) bool {
			v, _ := m.Number()
			return m.Type == protocol.SetSpeedType && v == 3.5
		}},
		{"speed clamped", func() error { return f.remote.SetSpeed(ctx, 25) }, func(m protocol.ControlMessage) bool {
			v, _ := m.Number()
			return v == 20
		}},
		{"adjust below minimum", func() error { return f.remote.AdjustSpeed(ctx, -40) }, func(m protocol.ControlMessage) bool {
			v, _ := m.Number()
			return v == 0.5
		}},
		{"font size", func() error { return f.remote.SetFontSize(ctx, 72) }, func(m protocol.ControlMessage) bool {
			v, _ := m.Number()
			return m.Type == protocol.SetFontSizeType && v == 72
		}},
		{"direction", func() error { return f.remote.SetDirection(ctx, protocol.Reverse) }, func(m protocol.ControlMessage) bool {
			d, err := m.Direction()
			return err == nil && d == protocol.Reverse
		}},
		{"reset", func() error { return f.remote.Reset(ctx) }, func(m protocol.ControlMessage) bool {
			return m.Type == protocol.ResetScrollType
		}},
	}
	for _, tc := range cases {
		if err := tc.press(); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if m := next(t, f.host); !tc.check(m) {
			t.Fatalf("%s: host got %s %s", tc.name, m.Type, m.Payload)
		}
	}

	st, mirrored := f.remote.State()
	if mirrored || st.IsPlaying || st.ScrollSpeed != 0.5 || st.Direction != protocol.Reverse {
		t.Fatalf("local state = %+v (mirrored %v)", st, mirrored)
	}
}

func TestMirrorsHostEcho(t *testing.T) {
	echoes := make(chan protocol.StatePayload, 1)
	f := setup(t, func(s protocol.StatePayload) { echoes <- s })

	want := protocol.StatePayload{IsPlaying: true, ScrollSpeed: 9, FontSize: 60, Direction: protocol.Forward, ScrollTop: 340}
	if err := f.host.SendMessage(context.Background(), protocol.State(want)); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-echoes:
		if got != want {
			t.Fatalf("echo = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo mirrored")
	}
	if st, mirrored := f.remote.State(); !mirrored || st != want {
		t.Fatalf("state = %+v (mirrored %v)", st, mirrored)
	}

	// Relative controls build on the mirrored value.
	if err := f.remote.AdjustSpeed(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if v, _ := next(t, f.host).Number(); v != 10 {
		t.Fatalf("adjusted speed = %v", v)
	}
}

func TestConnectRejectsMalformedCode(t *testing.T) {
	bus := session.NewMemoryBus()
	r := New(Options{Session: session.NewClient(session.Options{
		Transports: []session.Transport{bus.Transport("relay", false)},
	})})
	if err := r.Connect(context.Background(), "K7"); !errors.Is(err, roomcode.ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
	if err := r.Play(context.Background()); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("play while disconnected: %v", err)
	}
}
