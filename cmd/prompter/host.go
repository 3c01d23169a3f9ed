package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"teleprompter/internal/config"
	"teleprompter/internal/discovery"
	"teleprompter/internal/host"
	"teleprompter/internal/settings"
	"teleprompter/pkg/pacing"
)

func runHost(ctx context.Context, cfg *config.Config, args []string) error {
	fset := flag.NewFlagSet("host", flag.ExitOnError)
	scriptPath := fset.String("script", "", "script file to load")
	qrPath := fset.String("qr", "", "write the discovery QR code PNG to this file")
	origin := fset.String("origin", cfg.HTTP.PublicOrigin, "public origin for the discovery URL")
	viewport := fset.Float64("viewport", 720, "viewport height in pixels")
	if err := fset.Parse(args); err != nil {
		return err
	}

	logger := log.Logger
	client, cleanup, err := newSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := settings.OpenBolt(cfg.Settings.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	publicOrigin := *origin
	if publicOrigin == "" {
		publicOrigin = "http://localhost" + portSuffix(cfg)
	}
	advertisePort := 0
	if cfg.Session.Advertise {
		advertisePort = cfg.Port()
	}

	ctrl := host.New(host.Options{
		Session:        client,
		Settings:       store,
		ViewportHeight: *viewport,
		Origin:         discovery.ResolveOrigin(publicOrigin),
		AdvertisePort:  advertisePort,
		EchoState:      cfg.Session.EchoState,
		OnAutoStop: func() {
			fmt.Println("reached the end of the script")
		},
		Logger: &logger,
	})
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Close()

	if *scriptPath != "" {
		doc, err := os.ReadFile(*scriptPath)
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		if err := ctrl.LoadScript(string(doc)); err != nil {
			return err
		}
	}

	hc := &hostConsole{ctrl: ctrl, qrPath: *qrPath, out: os.Stdout}
	if err := hc.connect(ctx); err != nil {
		return err
	}
	return runConsole(ctx, func(cmd command) error {
		return hc.run(ctx, cmd)
	})
}

type hostConsole struct {
	ctrl   *host.Controller
	qrPath string
	out    io.Writer
}

// connect starts the session. A failed attempt is reported, not returned, so
// the prompter keeps running from local controls.
func (h *hostConsole) connect(ctx context.Context) error {
	inv, err := h.ctrl.StartSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprintf(h.out, connectHints, err)
		return nil
	}
	fmt.Fprintf(h.out, "room code %s\nopen %s on the remote\n", inv.Code, inv.URL)
	if h.qrPath != "" {
		if err := os.WriteFile(h.qrPath, inv.QR, 0o644); err != nil {
			return fmt.Errorf("write qr: %w", err)
		}
	}
	return nil
}

func (h *hostConsole) run(ctx context.Context, cmd command) error {
	ctrl := h.ctrl
	switch cmd.name {
	case "play":
		return ctrl.SetPlaying(true)
	case "pause":
		return ctrl.SetPlaying(false)
	case "toggle":
		_, err := ctrl.TogglePlay()
		return err
	case "speed":
		return ctrl.SetSpeed(cmd.value)
	case "faster", "slower":
		step := speedStep
		if cmd.name == "slower" {
			step = -step
		}
		return ctrl.SetSpeed(ctrl.Snapshot().Settings.ScrollSpeed + step)
	case "font":
		return ctrl.SetFontSize(cmd.value)
	case "forward":
		return ctrl.SetDirection(pacing.Forward)
	case "reverse":
		return ctrl.SetDirection(pacing.Reverse)
	case "reset":
		return ctrl.Reset()
	case "smart":
		return ctrl.SetSmartPacing(cmd.on)
	case "connect":
		return h.connect(ctx)
	case "status":
		st := ctrl.Snapshot()
		conn := ctrl.SessionState()
		fmt.Fprintf(h.out, "playing=%v speed=%.2f direction=%s smart=%v font=%.0f top=%.0f/%.0f target=%.2f room=%s remotes=%d degraded=%v error=%q\n",
			st.Settings.IsPlaying, st.Settings.ScrollSpeed, st.Settings.Direction, st.Settings.UseSmartPacing,
			st.Style.FontSize, st.ScrollTop, st.ScrollHeight, st.TargetSpeed, conn.RoomCode, conn.ClientCount, conn.Degraded(), conn.Error)
	}
	return nil
}

// runConsole reads stdin until quit, EOF or ctx is done.
func runConsole(ctx context.Context, run func(command) error) error {
	done := make(chan error, 1)
	go func() { done <- console(os.Stdin, os.Stdout, run) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func portSuffix(cfg *config.Config) string {
	if p := cfg.Port(); p > 0 {
		return fmt.Sprintf(":%d", p)
	}
	return ""
}
