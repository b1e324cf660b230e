// Package listener reconstructs the listening sockets a fleet child
// inherits from its supervisor. The supervisor binds each socket once,
// passes the file descriptors through ExtraFiles, and records the
// mapping in the FLEET_LISTEN environment variable as a semicolon
// separated list of addr=fd pairs.
package listener

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// EnvName is the environment variable carrying the listen targets.
const EnvName = "FLEET_LISTEN"

var (
	ErrNoListeningTarget = errors.New("no listening target")
)

// Listener is one inherited listen target.
type Listener interface {
	Fd() uintptr
	Listen() (net.Listener, error)
	String() string
}

// ListenerList holds a list of Listeners; its String form is what goes
// into FLEET_LISTEN.
type ListenerList []Listener

func (ll ListenerList) String() string {
	list := make([]string, len(ll))
	for i, l := range ll {
		list[i] = l.String()
	}
	return strings.Join(list, ";")
}

// TCPListener is an inherited TCP listen target.
type TCPListener struct {
	Addr string
	Port int
	fd   uintptr
}

// UnixListener is an inherited unix socket listen target.
type UnixListener struct {
	Path string
	fd   uintptr
}

// NewTCPListener records an already-bound TCP socket under fd.
func NewTCPListener(addr string, port int, fd uintptr) TCPListener {
	return TCPListener{Addr: addr, Port: port, fd: fd}
}

// NewUnixListener records an already-bound unix socket under fd.
func NewUnixListener(path string, fd uintptr) UnixListener {
	return UnixListener{Path: path, fd: fd}
}

func (l TCPListener) String() string {
	if l.Addr == "0.0.0.0" || l.Addr == "" {
		return fmt.Sprintf("%d=%d", l.Port, l.fd)
	}
	return fmt.Sprintf("%s:%d=%d", l.Addr, l.Port, l.fd)
}

// Fd returns the underlying file descriptor
func (l TCPListener) Fd() uintptr {
	return l.fd
}

// Listen creates a net.Listener on the inherited descriptor.
func (l TCPListener) Listen() (net.Listener, error) {
	return net.FileListener(os.NewFile(l.Fd(), fmt.Sprintf("%s:%d", l.Addr, l.Port)))
}

func (l UnixListener) String() string {
	return fmt.Sprintf("%s=%d", l.Path, l.fd)
}

// Fd returns the underlying file descriptor
func (l UnixListener) Fd() uintptr {
	return l.fd
}

// Listen creates a net.Listener on the inherited descriptor.
func (l UnixListener) Listen() (net.Listener, error) {
	return net.FileListener(os.NewFile(l.Fd(), l.Path))
}

var reLooksLikeHostPort = regexp.MustCompile(`^(.+):(\d+)$`)
var reLooksLikePort = regexp.MustCompile(`^\d+$`)

func parseListenTargets(str string) ([]Listener, error) {
	if str == "" {
		return nil, ErrNoListeningTarget
	}

	rawspec := strings.Split(str, ";")
	ret := make([]Listener, len(rawspec))

	for i, pairString := range rawspec {
		pair := strings.SplitN(pairString, "=", 2)
		if len(pair) != 2 {
			return nil, fmt.Errorf("failed to parse '%s' as listen target: no fd", pairString)
		}
		hostPort := strings.TrimSpace(pair[0])
		fdString := strings.TrimSpace(pair[1])
		fd, err := strconv.ParseUint(fdString, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to parse '%s' as listen target: %s", pairString, err)
		}

		if match := reLooksLikePort.FindString(hostPort); match != "" {
			port, err := strconv.ParseInt(match, 10, 0)
			if err != nil {
				return nil, err
			}

			ret[i] = TCPListener{
				Addr: "0.0.0.0",
				Port: int(port),
				fd:   uintptr(fd),
			}
		} else if matches := reLooksLikeHostPort.FindStringSubmatch(hostPort); matches != nil {
			port, err := strconv.ParseInt(matches[2], 10, 0)
			if err != nil {
				return nil, err
			}

			ret[i] = TCPListener{
				Addr: matches[1],
				Port: int(port),
				fd:   uintptr(fd),
			}
		} else {
			ret[i] = UnixListener{
				Path: hostPort,
				fd:   uintptr(fd),
			}
		}
	}

	return ret, nil
}

// GetListenSpecification returns the raw value of FLEET_LISTEN.
func GetListenSpecification() string {
	return os.Getenv(EnvName)
}

// Ports parses FLEET_LISTEN into listen targets.
func Ports() ([]Listener, error) {
	return parseListenTargets(GetListenSpecification())
}

// ListenAll parses FLEET_LISTEN and creates net.Listener objects for
// every inherited descriptor.
func ListenAll() ([]net.Listener, error) {
	targets, err := parseListenTargets(GetListenSpecification())
	if err != nil {
		return nil, err
	}

	ret := make([]net.Listener, len(targets))
	for i, target := range targets {
		ret[i], err = target.Listen()
		if err != nil {
			// Close everything up to this listener
			for x := 0; x < i; x++ {
				ret[x].Close()
			}
			return nil, err
		}
	}
	return ret, nil
}
