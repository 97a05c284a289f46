//go:build linux

package sandbox

// This file exposes the host's display and audio sockets.
//
// Sockets are bound at fixed paths below SocketDir (or, for X11, at the
// standard /tmp/.X11-unix location) and the matching environment variables
// are rewritten to point there, so the container never depends on where the
// host keeps its runtime directory.
import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SocketDir is the in-container directory holding bound Wayland and
// PulseAudio sockets.
const SocketDir = "/run/vessel"

// BindSockets binds the host's X11, Wayland and PulseAudio sockets when they
// exist and sets DISPLAY, WAYLAND_DISPLAY and PULSE_SERVER to match. Variables
// for sockets that were not found are unset.
//
// The container's /tmp and /run must already be in the plan.
func BindSockets(plan *Plan, env Environment, logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dirAdded := false
	addSocketDir := func() {
		if !dirAdded {
			plan.Add(Dir(SocketDir, 0o700))
			dirAdded = true
		}
	}

	if socket, display := x11Socket(env); socket != "" {
		logger.Debug("binding X11 socket", "socket", socket)
		plan.Add(RoBind(socket, socket))
		plan.Setenv("DISPLAY", display)
	} else {
		plan.Unsetenv("DISPLAY")
	}

	if socket := waylandSocket(env); socket != "" {
		dst := filepath.Join(SocketDir, "wayland-0")

		logger.Debug("binding wayland socket", "socket", socket, "dst", dst)
		addSocketDir()
		plan.Add(RoBind(socket, dst))
		plan.Setenv("WAYLAND_DISPLAY", dst)
	} else {
		plan.Unsetenv("WAYLAND_DISPLAY")
	}

	if socket := pulseSocket(env); socket != "" {
		dst := filepath.Join(SocketDir, "pulse-native")

		logger.Debug("binding pulseaudio socket", "socket", socket, "dst", dst)
		addSocketDir()
		plan.Add(RoBind(socket, dst))
		plan.Setenv("PULSE_SERVER", "unix:"+dst)
	} else {
		plan.Unsetenv("PULSE_SERVER")
	}
}

// x11Socket returns the host socket for $DISPLAY (":N" or ":N.S") and the
// DISPLAY value to use in the container.
func x11Socket(env Environment) (string, string) {
	display := env.lookup("DISPLAY")
	if !strings.HasPrefix(display, ":") {
		return "", ""
	}

	number, _, _ := strings.Cut(display[1:], ".")
	if number == "" || strings.ContainsFunc(number, func(r rune) bool { return r < '0' || r > '9' }) {
		return "", ""
	}

	socket := fmt.Sprintf("/tmp/.X11-unix/X%s", number)
	if !socketExists(env, socket) {
		return "", ""
	}

	return socket, ":" + number
}

func waylandSocket(env Environment) string {
	display := env.lookup("WAYLAND_DISPLAY")
	if display == "" {
		display = "wayland-0"
	}

	socket := display
	if !filepath.IsAbs(socket) {
		runtimeDir := env.lookup("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			return ""
		}

		socket = filepath.Join(runtimeDir, display)
	}

	if !socketExists(env, socket) {
		return ""
	}

	return filepath.Clean(socket)
}

func pulseSocket(env Environment) string {
	socket := pulseSocketPathFromEnv(env.lookup("PULSE_SERVER"))
	if socket == "" {
		runtimeDir := env.lookup("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			return ""
		}

		socket = filepath.Join(runtimeDir, "pulse", "native")
	}

	if !filepath.IsAbs(socket) || !socketExists(env, socket) {
		return ""
	}

	return filepath.Clean(socket)
}

// pulseSocketPathFromEnv extracts a unix socket path from PULSE_SERVER.
//
// Only the first server of a list is considered; TCP servers are ignored.
func pulseSocketPathFromEnv(server string) string {
	server, _, _ = strings.Cut(server, " ")

	switch {
	case strings.HasPrefix(server, "unix:"):
		return server[len("unix:"):]
	case strings.HasPrefix(server, "/"):
		return server
	default:
		return ""
	}
}

func socketExists(env Environment, socket string) bool {
	info, err := os.Stat(env.hostPath(socket))
	if err != nil {
		return false
	}

	return info.Mode()&os.ModeSocket != 0
}
