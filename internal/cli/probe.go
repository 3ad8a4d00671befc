package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/albertbausili/duplex/internal/observability"
	"github.com/albertbausili/duplex/pkg/duplex"
)

type probeOptions struct {
	addr           string
	method         string
	paths          []string
	data           string
	priorKnowledge bool
	useTLS         bool
	insecure       bool
	wsPath         string
	subprotocol    string
	message        string
	timeout        time.Duration
}

func newProbeCmd(v *viper.Viper) *cobra.Command {
	var opts probeOptions
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send requests, and optionally a WebSocket message, to a server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			defer observability.Sync(logger)
			return probe(cmd.Context(), cmd.OutOrStdout(), duplex.NewClient(cfg), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "localhost:8080", "server address")
	f.StringVarP(&opts.method, "method", "X", "GET", "request method")
	f.StringSliceVar(&opts.paths, "path", []string{"/"}, "request paths, sent in order")
	f.StringVarP(&opts.data, "data", "d", "", "request body")
	f.BoolVar(&opts.priorKnowledge, "prior-knowledge", false, "speak HTTP/2 without negotiation")
	f.BoolVar(&opts.useTLS, "tls", false, "connect with TLS and negotiate the protocol with ALPN")
	f.BoolVar(&opts.insecure, "insecure", false, "skip certificate verification")
	f.StringVar(&opts.wsPath, "ws-path", "", "open a WebSocket on this path after the requests")
	f.StringVar(&opts.subprotocol, "subprotocol", "", "WebSocket subprotocol to request")
	f.StringVar(&opts.message, "message", "hello", "text message to send over the WebSocket")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall deadline")
	return cmd
}

func probe(ctx context.Context, out io.Writer, client *duplex.Client, opts probeOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	dial := duplex.DialOptions{PriorKnowledge: opts.priorKnowledge}
	if opts.useTLS {
		dial.TLSConfig = &tls.Config{InsecureSkipVerify: opts.insecure} //nolint:gosec // opt-in flag
	}
	conn, err := client.Dial(ctx, opts.addr, dial)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Fprintf(out, "connected to %s using %s\n", opts.addr, conn.Proto())

	for _, path := range opts.paths {
		var body []byte
		if opts.data != "" {
			body = []byte(opts.data)
		}
		resp, err := conn.Do(ctx, duplex.NewRequest(opts.method, path, body))
		if err != nil {
			return fmt.Errorf("%s %s: %w", opts.method, path, err)
		}
		fmt.Fprintf(out, "%s %s -> %d (%d bytes)\n", opts.method, path, resp.Status, len(resp.Body()))
		if len(resp.Body()) > 0 {
			fmt.Fprintf(out, "%s\n", resp.Body())
		}
		resp.Release()
	}

	if opts.wsPath == "" {
		return nil
	}
	return probeWebSocket(ctx, out, conn, opts)
}

func probeWebSocket(ctx context.Context, out io.Writer, conn *duplex.Conn, opts probeOptions) error {
	type result struct {
		msg string
		err error
	}
	done := make(chan result, 1)
	handler := duplex.WebSocketHandlerFunc(func(_ context.Context, c *duplex.WebSocketConn) {
		if err := c.WriteText(opts.message); err != nil {
			done <- result{err: err}
			return
		}
		_, msg, err := c.ReadMessage()
		done <- result{msg: string(msg), err: err}
	})

	wsConn, err := conn.WebSocket(ctx, opts.wsPath, opts.subprotocol, nil, handler)
	if err != nil {
		return fmt.Errorf("websocket %s: %w", opts.wsPath, err)
	}
	fmt.Fprintf(out, "websocket %s open on stream %d (subprotocol %q, compressed %t)\n",
		opts.wsPath, wsConn.StreamID(), wsConn.Subprotocol(), wsConn.Compressed())

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("websocket %s: %w", opts.wsPath, r.err)
		}
		fmt.Fprintf(out, "websocket %s <- %s\n", opts.wsPath, r.msg)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
