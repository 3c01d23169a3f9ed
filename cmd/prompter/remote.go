package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"teleprompter/internal/config"
	"teleprompter/internal/remote"
	"teleprompter/pkg/protocol"
	"teleprompter/pkg/roomcode"
)

func runRemote(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: prompter remote CODE")
	}

	logger := log.Logger
	client, cleanup, err := newSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctrl := remote.New(remote.Options{
		Session: client,
		OnState: func(s protocol.StatePayload) {
			fmt.Printf("host: playing=%v speed=%.2f direction=%s font=%.0f\n", s.IsPlaying, s.ScrollSpeed, s.Direction, s.FontSize)
		},
		Logger: &logger,
	})
	defer ctrl.Disconnect()

	rc := &remoteConsole{ctrl: ctrl, code: args[0], out: os.Stdout}
	if err := rc.connect(ctx); err != nil {
		return err
	}
	return runConsole(ctx, func(cmd command) error {
		return rc.run(ctx, cmd)
	})
}

type remoteConsole struct {
	ctrl *remote.Controller
	code string
	out  io.Writer
}

// connect joins the host's room. Only a malformed code or a cancelled ctx is
// returned; a connection failure is reported and can be retried.
func (r *remoteConsole) connect(ctx context.Context) error {
	if err := r.ctrl.Connect(ctx, r.code); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, roomcode.ErrInvalid) {
			return fmt.Errorf("connect: %w", err)
		}
		fmt.Fprintf(r.out, connectHints, err)
		return nil
	}
	fmt.Fprintf(r.out, "connected to %s\n", r.ctrl.Connection().RoomCode)
	return nil
}

func (r *remoteConsole) run(ctx context.Context, cmd command) error {
	ctrl := r.ctrl
	switch cmd.name {
	case "play":
		return ctrl.Play(ctx)
	case "pause":
		return ctrl.Pause(ctx)
	case "toggle":
		return ctrl.TogglePlay(ctx)
	case "speed":
		return ctrl.SetSpeed(ctx, cmd.value)
	case "faster":
		return ctrl.AdjustSpeed(ctx, speedStep)
	case "slower":
		return ctrl.AdjustSpeed(ctx, -speedStep)
	case "font":
		return ctrl.SetFontSize(ctx, cmd.value)
	case "forward":
		return ctrl.SetDirection(ctx, protocol.Forward)
	case "reverse":
		return ctrl.SetDirection(ctx, protocol.Reverse)
	case "reset":
		return ctrl.Reset(ctx)
	case "smart":
		return errors.New("smart pacing is set on the host")
	case "connect":
		return r.connect(ctx)
	case "status":
		st, mirrored := ctrl.State()
		conn := ctrl.Connection()
		fmt.Fprintf(r.out, "playing=%v speed=%.2f direction=%s font=%.0f mirrored=%v connected=%v transports=%v error=%q\n",
			st.IsPlaying, st.ScrollSpeed, st.Direction, st.FontSize, mirrored, conn.IsConnected, conn.Transports, conn.Error)
	}
	return nil
}
