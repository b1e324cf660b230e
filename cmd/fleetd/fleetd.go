//go:build unix

// fleetd is a demonstration daemon. It serves a trivial echo handler
// on the "web" interface and runs a heartbeat service process, with
// the full topology configurable from the command line:
//
//	fleetd --interface=web=0.0.0.0:8080,procs=4 \
//	       --pid-file=/tmp/fleetd.pid --status-file=/tmp/fleetd.status
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/lestrrat-go/fleet"
)

func main() {
	os.Exit(_main())
}

func echoHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s (pid %d)\n", r.Method, r.URL.Path, os.Getpid())
	})
	return mux
}

func _main() int {
	cli := fleet.NewCLI()
	err := cli.Run(context.Background(),
		fleet.WithHandler("web", echoHandler()),
		fleet.WithServices([]*fleet.ServiceProcess{
			{
				Name: "heartbeat",
				Mode: fleet.ModeProcess,
				Task: func(ctx context.Context) error {
					fmt.Fprintf(os.Stderr, "heartbeat (pid %d)\n", os.Getpid())
					return nil
				},
				Interval:  30 * time.Second,
				WaitReady: true,
			},
		}),
		fleet.WithBroadcastHook(func(ctx context.Context) error {
			fmt.Fprintf(os.Stderr, "marker (pid %d)\n", os.Getpid())
			return nil
		}),
	)
	if err == nil {
		return 0
	}

	fmt.Fprintf(os.Stderr, "error: %s\n", err)
	if errors.Is(err, fleet.ErrCrashCeiling) {
		return 2
	}
	return 1
}
