// Package testproc lets a test binary re-execute itself as a stand-in service
// process. Tests call Main from TestMain; descriptors built by Descriptor run
// the binary in helper mode instead of the test suite.
package testproc

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/loykin/stackctl/internal/registry"
)

const (
	envKey = "STACKCTL_TEST_HELPER"
	// Lifetime bounds a helper that nobody stops.
	Lifetime = 2 * time.Minute
)

// Main runs helper mode when requested, otherwise the tests.
func Main(m *testing.M) {
	if os.Getenv(envKey) == "1" {
		os.Exit(run(os.Args[1:]))
	}
	os.Exit(m.Run())
}

// Descriptor returns a descriptor whose command is the running test binary in
// "listen" mode on port. The argv includes the port, so every helper has a
// distinct signature.
func Descriptor(name string, port, stage int) registry.Descriptor {
	return registry.Descriptor{
		Name:               name,
		Command:            os.Args[0],
		Args:               []string{"helper", "listen", strconv.Itoa(port)},
		Env:                []string{envKey + "=1"},
		HealthPort:         port,
		Stage:              stage,
		StartupGracePeriod: 200 * time.Millisecond,
	}
}

// DelayedDescriptor listens only after delay.
func DelayedDescriptor(name string, port, stage int, delay time.Duration) registry.Descriptor {
	d := Descriptor(name, port, stage)
	d.Args = []string{"helper", "listen-after", strconv.FormatInt(delay.Milliseconds(), 10), strconv.Itoa(port)}
	return d
}

// FreePort returns a currently unused local TCP port.
func FreePort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func run(args []string) int {
	if len(args) < 2 || args[0] != "helper" {
		fmt.Fprintln(os.Stderr, "usage: helper listen <port> | listen-after <ms> <port> | sleep")
		return 2
	}
	go func() {
		time.Sleep(Lifetime)
		os.Exit(0)
	}()
	switch args[1] {
	case "listen":
		if len(args) != 3 {
			return 2
		}
		return listen(args[2])
	case "listen-after":
		if len(args) != 4 {
			return 2
		}
		ms, err := strconv.Atoi(args[2])
		if err != nil {
			return 2
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return listen(args[3])
	case "sleep":
		time.Sleep(Lifetime)
		return 0
	}
	return 2
}

func listen(port string) int {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		return 1
	}
	for {
		c, err := ln.Accept()
		if err != nil {
			return 1
		}
		_ = c.Close()
	}
}
