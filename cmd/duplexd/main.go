// Command duplexd serves HTTP/1.1 and HTTP/2 on one port and probes servers
// that do.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/albertbausili/duplex/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "duplexd:", err)
		stop()
		os.Exit(1)
	}
}
