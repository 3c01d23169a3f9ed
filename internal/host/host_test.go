package host

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"teleprompter/internal/settings"
	"teleprompter/pkg/pacing"
	"teleprompter/pkg/protocol"
	"teleprompter/pkg/session"
)

const frameInterval = 20 * time.Millisecond

// script renders as n lines of 72px with the default style.
func script(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = "line"
	}
	return strings.Join(lines, "\n")
}

func start(t *testing.T, opts Options) *Controller {
	t.Helper()
	if opts.FrameInterval == 0 {
		opts.FrameInterval = frameInterval
	}
	c := New(opts)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, c *Controller, what string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := c.Snapshot()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: state = %+v", what, st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hostAndRemote(t *testing.T, bus *session.MemoryBus) (*session.Client, *session.Client) {
	t.Helper()
	hostClient := session.NewClient(session.Options{
		Transports:   []session.Transport{bus.Transport("relay", false), bus.Transport("direct", true)},
		GenerateCode: func() string { return "K7M2" },
	})
	remoteClient := session.NewClient(session.Options{
		Transports: []session.Transport{bus.Transport("relay", false), bus.Transport("direct", true)},
	})
	t.Cleanup(remoteClient.Stop)
	return hostClient, remoteClient
}

// waitReady waits for every transport of st to finish its handshake.
func waitReady(t *testing.T, st func() session.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ready := true
		for _, s := range st().Transports {
			ready = ready && s == session.StatusReady
		}
		if ready {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transports not ready: %+v", st())
}

func TestRemoteSpeedReachesHost(t *testing.T) {
	hostClient, remoteClient := hostAndRemote(t, session.NewMemoryBus())
	c := start(t, Options{Session: hostClient, Clock: clockwork.NewFakeClock(), Origin: "http://192.168.1.20:8080"})
	ctx := context.Background()

	inv, err := c.StartSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if inv.Code != "K7M2" || inv.URL != "http://192.168.1.20:8080/?remote=K7M2" || len(inv.QR) == 0 {
		t.Fatalf("invite = %+v", inv)
	}
	if again, _ := c.StartSession(ctx); again.Code != "K7M2" {
		t.Fatalf("second StartSession = %+v", again)
	}

	if err := remoteClient.ConnectToHost(ctx, "k7m2"); err != nil {
		t.Fatal(err)
	}
	waitReady(t, c.SessionState)
	waitReady(t, remoteClient.State)
	if err := remoteClient.SendMessage(ctx, protocol.SetSpeed(5.0)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, c, "speed from remote", func(s State) bool { return s.Settings.ScrollSpeed == 5.0 })

	c.EndSession()
	if _, ok := c.Invite(); ok {
		t.Fatal("invite survives EndSession")
	}
	if st := c.SessionState(); st.IsConnected || st.RoomCode != "" {
		t.Fatalf("session state after EndSession = %+v", st)
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	c := start(t, Options{Clock: clockwork.NewFakeClock()})
	msgs := []protocol.ControlMessage{
		protocol.SetSpeed(7),
		protocol.SetDirection(protocol.Reverse),
		protocol.SetFontSize(60),
	}
	for _, m := range msgs {
		if err := c.Apply(m); err != nil {
			t.Fatal(err)
		}
	}
	once := c.Snapshot()
	for _, m := range msgs {
		_ = c.Apply(m)
	}
	twice := c.Snapshot()

	if once.Settings != twice.Settings || once.Style != twice.Style {
		t.Fatalf("state changed on redelivery: %+v vs %+v", once, twice)
	}
	if twice.Settings.ScrollSpeed != 7 || twice.Settings.Direction != pacing.Reverse || twice.Style.FontSize != 60 {
		t.Fatalf("state = %+v", twice)
	}
}

func TestIgnoresMalformedMessages(t *testing.T) {
	c := start(t, Options{Clock: clockwork.NewFakeClock()})
	before := c.Snapshot().Settings
	for _, m := range []protocol.ControlMessage{
		{Type: protocol.SetSpeedType, Payload: []byte(`"fast"`)},
		{Type: protocol.SetDirectionType, Payload: []byte(`"sideways"`)},
		{Type: protocol.SetFontSizeType, Payload: []byte(`-4`)},
		{Type: "JUMP_TO", Payload: []byte(`3`)},
	} {
		if err := c.Apply(m); err != nil {
			t.Fatal(err)
		}
	}
	if got := c.Snapshot().Settings; got != before {
		t.Fatalf("settings = %+v, want %+v", got, before)
	}
}

func TestSpeedIsClamped(t *testing.T) {
	c := start(t, Options{Clock: clockwork.NewFakeClock()})
	_ = c.Apply(protocol.SetSpeed(50))
	if got := c.Snapshot().Settings.ScrollSpeed; got != pacing.MaxSpeed {
		t.Fatalf("speed = %v", got)
	}
	_ = c.SetSpeed(0.1)
	if got := c.Snapshot().Settings.ScrollSpeed; got != pacing.MinSpeed {
		t.Fatalf("speed = %v", got)
	}
}

func TestResetScrollPausesEvenInReverse(t *testing.T) {
	c := start(t, Options{Clock: clockwork.NewFakeClock(), ViewportHeight: 100})
	_ = c.LoadScript(script(20))
	_ = c.ScrollTo(500)
	_ = c.SetDirection(pacing.Reverse)
	_ = c.SetPlaying(true)

	if err := c.Apply(protocol.ResetScroll()); err != nil {
		t.Fatal(err)
	}
	st := c.Snapshot()
	if st.ScrollTop != 0 || st.Settings.IsPlaying || st.Animating {
		t.Fatalf("after reset = %+v", st)
	}
}

func TestPlaybackAdvancesOnFrames(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := start(t, Options{Clock: clock, ViewportHeight: 100})
	_ = c.LoadScript(script(20))
	_ = c.SetSpeed(3)
	_ = c.SetPlaying(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("frame loop never started: %v", err)
	}
	clock.Advance(frameInterval)

	// 3 px per 16.67ms frame over 20ms is 3.6px, of which 3 are applied.
	st := waitFor(t, c, "first frame", func(s State) bool { return s.ScrollTop > 0 })
	if st.ScrollTop != 3 || st.TargetSpeed != 3 {
		t.Fatalf("after one frame = %+v", st)
	}

	_ = c.SetPlaying(false)
	if st := c.Snapshot(); st.Animating {
		t.Fatal("frame loop still running while paused")
	}
}

func TestAutoStopFiresOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	stops := make(chan struct{}, 4)
	c := start(t, Options{Clock: clock, ViewportHeight: 100, OnAutoStop: func() { stops <- struct{}{} }})
	_ = c.LoadScript(script(20))

	st := c.Snapshot()
	_ = c.ScrollTo(st.ScrollHeight - st.ClientHeight - 0.5)
	_ = c.SetPlaying(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(frameInterval)

	select {
	case <-stops:
	case <-ctx.Done():
		t.Fatal("auto-stop never fired")
	}
	st = waitFor(t, c, "stopped", func(s State) bool { return !s.Animating })
	if st.Settings.IsPlaying || !st.AutoStopped {
		t.Fatalf("after auto-stop = %+v", st)
	}

	clock.Advance(10 * frameInterval)
	select {
	case <-stops:
		t.Fatal("auto-stop fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReverseStopsAtTop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := start(t, Options{Clock: clock, ViewportHeight: 100})
	_ = c.LoadScript(script(20))
	_ = c.SetDirection(pacing.Reverse)
	_ = c.SetPlaying(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(frameInterval)
	waitFor(t, c, "reverse auto-stop", func(s State) bool { return s.AutoStopped && !s.Settings.IsPlaying })
}

func TestMarkersFollowFontSize(t *testing.T) {
	c := start(t, Options{Clock: clockwork.NewFakeClock()})
	_ = c.LoadScript("intro\n[00:10] first\nmore\n[00:20] second")

	st := c.Snapshot()
	if len(st.Markers) != 2 || st.Markers[0].OffsetSeconds != 10 || st.Markers[1].OffsetSeconds != 20 {
		t.Fatalf("markers = %+v", st.Markers)
	}
	first := st.Markers[1].PixelPosition

	_ = c.Apply(protocol.SetFontSize(96))
	if got := c.Snapshot().Markers[1].PixelPosition; got != 2*first {
		t.Fatalf("marker at %v after doubling the font, want %v", got, 2*first)
	}
}

func TestSettingsSavedAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := settings.NewMemoryStore()
	_ = store.Save(context.Background(), settings.Settings{ScrollSpeed: 9, FontSize: 40})
	c := start(t, Options{Clock: clock, Settings: store, SaveDelay: time.Second})

	st := c.Snapshot()
	if st.Settings.ScrollSpeed != 9 || st.Style.FontSize != 40 || st.Settings.IsPlaying {
		t.Fatalf("restored = %+v", st)
	}

	_ = c.SetSpeed(4)
	_ = c.SetSpeed(6)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if store.Saves() != 1 {
		t.Fatalf("saved before the delay: %d", store.Saves())
	}
	clock.Advance(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for store.Saves() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := store.Load(ctx)
	if store.Saves() != 2 || got.ScrollSpeed != 6 {
		t.Fatalf("saves = %d, saved = %+v", store.Saves(), got)
	}
}

func TestStateEcho(t *testing.T) {
	hostClient, remoteClient := hostAndRemote(t, session.NewMemoryBus())
	c := start(t, Options{Session: hostClient, Clock: clockwork.NewFakeClock(), EchoState: true})
	ctx := context.Background()
	if _, err := c.StartSession(ctx); err != nil {
		t.Fatal(err)
	}
	if err := remoteClient.ConnectToHost(ctx, "K7M2"); err != nil {
		t.Fatal(err)
	}
	waitReady(t, c.SessionState)
	waitReady(t, remoteClient.State)

	_ = c.SetSpeed(7)
	timeout := time.After(2 * time.Second)
	for {
		select {
		case d := <-remoteClient.Messages():
			if d.Message.Type != protocol.StateType {
				continue
			}
			st, err := d.Message.State()
			if err != nil {
				t.Fatal(err)
			}
			if st.ScrollSpeed == 7 {
				return
			}
		case <-timeout:
			t.Fatal("no state echo reached the remote")
		}
	}
}

func TestControlsRequireStart(t *testing.T) {
	c := New(Options{Clock: clockwork.NewFakeClock()})
	if err := c.SetPlaying(true); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v", err)
	}
	if _, err := c.StartSession(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v", err)
	}
}
