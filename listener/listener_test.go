package listener

import (
	"os"
	"testing"
)

func TestPorts(t *testing.T) {
	expect := ListenerList{
		TCPListener{Addr: "127.0.0.1", Port: 9090, fd: 4},
		TCPListener{Addr: "0.0.0.0", Port: 8080, fd: 5},
		UnixListener{Path: "/foo/bar/baz.sock", fd: 6},
	}

	os.Setenv(EnvName, expect.String())
	ports, err := Ports()
	if err != nil {
		t.Errorf("Failed to parse listen targets from env: %s", err)
	}

	for i, port := range ports {
		if port.Fd() != expect[i].Fd() {
			t.Errorf("parsed fd is not what we expected (expected %d, got %d)", expect[i].Fd(), port.Fd())
		}
		if port.String() != expect[i].String() {
			t.Errorf("parsed target is not what we expected (expected %s, got %s)", expect[i].String(), port.String())
		}
	}
}

func TestPortsPortOnly(t *testing.T) {
	os.Setenv(EnvName, "8080=3")
	ports, err := Ports()
	if err != nil {
		t.Errorf("Failed to parse listen targets from env: %s", err)
	}
	if len(ports) != 1 {
		t.Fatalf("expected 1 listen target, got %d", len(ports))
	}

	tl, ok := ports[0].(TCPListener)
	if !ok {
		t.Fatalf("expected a TCP listen target, got %T", ports[0])
	}
	if tl.Addr != "0.0.0.0" || tl.Port != 8080 || tl.Fd() != 3 {
		t.Errorf("unexpected listen target: %#v", tl)
	}
}

func TestPortsNoEnv(t *testing.T) {
	os.Setenv(EnvName, "")

	ports, err := Ports()
	if err != ErrNoListeningTarget {
		t.Error("Ports must return error if no env")
	}

	if ports != nil {
		t.Errorf("Ports must return nil if no env")
	}
}

func TestPortsMalformed(t *testing.T) {
	for _, spec := range []string{"8080", "8080=x"} {
		os.Setenv(EnvName, spec)
		if _, err := Ports(); err == nil {
			t.Errorf("Ports must reject %q", spec)
		}
	}
}
