// Package activation hands out the HTTP listener for serve mode, preferring a
// systemd-activated socket over binding the configured address.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// SocketName is the FileDescriptorName= the serve socket unit should use when
// more than one socket is passed.
const SocketName = "dirsyncd"

// activated describes the sockets systemd passed to this process
type activated struct {
	count int
	names []string
}

// parseEnv reads LISTEN_PID, LISTEN_FDS and LISTEN_FDNAMES through getenv.
// A zero count means no activation for process pid.
func parseEnv(getenv func(string) string, pid int) (activated, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return activated{}, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return activated{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return activated{}, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return activated{}, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return activated{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return activated{}, nil
	}

	var names []string
	if raw := getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
	}

	return activated{count: count, names: names}, nil
}

// pick returns the index of the socket to serve on: the one named
// SocketName, else the first.
func (a activated) pick() int {
	for i, name := range a.names {
		if i < a.count && name == SocketName {
			return i
		}
	}
	return 0
}

// Listeners returns the systemd-activated listeners, or nil if the process
// was not socket activated. The activation variables are removed from the
// environment so child processes don't inherit them.
func Listeners() ([]net.Listener, error) {
	act, err := parseEnv(os.Getenv, os.Getpid())
	if err != nil {
		return nil, err
	}
	if act.count == 0 {
		return nil, nil
	}

	listeners := make([]net.Listener, 0, act.count)
	for i := 0; i < act.count; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// FileListener dups the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		listeners = append(listeners, listener)
	}

	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// Listen returns the activated socket named SocketName (or the first one)
// when the process was socket activated, else a TCP listener on addr. The
// boolean reports whether the listener came from systemd.
func Listen(addr string) (net.Listener, bool, error) {
	act, err := parseEnv(os.Getenv, os.Getpid())
	if err != nil {
		return nil, false, err
	}

	if act.count > 0 {
		listeners, err := Listeners()
		if err != nil {
			return nil, false, err
		}
		chosen := act.pick()
		for i, l := range listeners {
			if i != chosen {
				_ = l.Close()
			}
		}
		return listeners[chosen], true, nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
