package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// speedStep is the increment of faster and slower.
const speedStep = 0.5

type command struct {
	name  string
	value float64
	on    bool
}

var errQuit = errors.New("quit")

// connectHints follows a failed connection attempt.
const connectHints = `connection failed: %v
  check that the relay server is reachable from this machine (RELAY_URL, BROKER_URL)
  and that a firewall or client isolation on the Wi-Fi does not block it.
  type "connect" to retry; local controls keep working meanwhile.
`

func parseCommand(line string) (command, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return command{}, nil
	}
	cmd := command{name: fields[0]}
	switch cmd.name {
	case "play", "pause", "toggle", "faster", "slower", "forward", "reverse", "reset", "status", "connect":
		if len(fields) != 1 {
			return command{}, fmt.Errorf("%s takes no argument", cmd.name)
		}
	case "speed", "font":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: %s N", cmd.name)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || v <= 0 {
			return command{}, fmt.Errorf("%s: invalid value %q", cmd.name, fields[1])
		}
		cmd.value = v
	case "smart":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return command{}, errors.New("usage: smart on|off")
		}
		cmd.on = fields[1] == "on"
	case "quit", "exit":
		return command{}, errQuit
	default:
		return command{}, fmt.Errorf("unknown command %q", cmd.name)
	}
	return cmd, nil
}

// console feeds parsed commands to run until quit or EOF.
func console(in io.Reader, out io.Writer, run func(command) error) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd, err := parseCommand(scanner.Text())
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		if cmd.name == "" {
			continue
		}
		if err := run(cmd); err != nil {
			fmt.Fprintln(out, err)
		}
	}
	return scanner.Err()
}
