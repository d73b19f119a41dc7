package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/nsbus/internal/client"
	"github.com/danmuck/nsbus/internal/observability"
	"github.com/danmuck/nsbus/internal/protocol"
	"github.com/spf13/pflag"
)

const usage = `usage: nsbusctl <command> [flags] <namespace> [payload]

commands:
  publish <ns> <payload>   send one event
  subscribe <ns>           print events under ns until interrupted
  provide <ns>             announce ns and publish each stdin line to it
`

type options struct {
	addr     string
	timeout  time.Duration
	tls      bool
	caFile   string
	insecure bool
	provide  bool
	count    int
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "nsbusctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	cmd := args[0]
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	var opts options
	fs.StringVarP(&opts.addr, "addr", "a", "127.0.0.1:7400", "broker address")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "connect timeout")
	fs.BoolVar(&opts.tls, "tls", false, "dial with TLS")
	fs.StringVar(&opts.caFile, "ca-file", "", "CA bundle for TLS")
	fs.BoolVar(&opts.insecure, "insecure", false, "skip TLS verification")
	fs.BoolVar(&opts.provide, "provide", false, "publish: send Provide before the event")
	fs.IntVarP(&opts.count, "count", "n", 0, "subscribe: exit after n events (0 = forever)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	rest := fs.Args()

	observability.InitLogger("nsbusctl")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "publish":
		if len(rest) != 2 {
			return errors.New(usage)
		}
		return publish(ctx, opts, protocol.NewPattern(rest[0]), rest[1])
	case "subscribe":
		if len(rest) != 1 {
			return errors.New(usage)
		}
		return subscribe(ctx, opts, protocol.NewPattern(rest[0]), stdout)
	case "provide":
		if len(rest) != 1 {
			return errors.New(usage)
		}
		return provide(ctx, opts, protocol.NewPattern(rest[0]), stdin, stdout)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func dial(ctx context.Context, opts options) (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.MaxConnectAttempts = 1
	cfg.Session.ConnectTimeout = opts.timeout
	cfg.Session.TLS.Enabled = opts.tls
	cfg.Session.TLS.CAFile = opts.caFile
	cfg.Session.TLS.InsecureSkipVerify = opts.insecure
	return client.Dial(ctx, opts.addr, cfg)
}

func publish(ctx context.Context, opts options, ns protocol.Pattern, payload string) error {
	c, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	if opts.provide {
		if err := c.Provide(ns); err != nil {
			return err
		}
	}
	if err := c.Publish(ns, payload); err != nil {
		return err
	}
	if c.Pending() > 0 {
		return errors.New("connection lost before event was sent")
	}
	return nil
}

func subscribe(ctx context.Context, opts options, ns protocol.Pattern, stdout io.Writer) error {
	c, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Subscribe(ns); err != nil {
		return err
	}
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	seen := 0
	for msg := range c.Messages() {
		printMessage(stdout, msg)
		if _, ok := msg.(protocol.Event); ok {
			seen++
			if opts.count > 0 && seen >= opts.count {
				_ = c.Close()
			}
		}
	}
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func provide(ctx context.Context, opts options, ns protocol.Pattern, stdin io.Reader, stdout io.Writer) error {
	c, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Provide(ns); err != nil {
		return err
	}
	go func() {
		_ = c.Run(ctx)
	}()
	go func() {
		for msg := range c.Messages() {
			printMessage(stdout, msg)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.Publish(ns, line); err != nil {
				return err
			}
		}
	}
}

func printMessage(w io.Writer, msg protocol.Message) {
	if data, ok := protocol.Payload(msg); ok {
		fmt.Fprintf(w, "%s\t%s\t%s\n", msg.Tag(), msg.Namespace(), data)
		return
	}
	fmt.Fprintf(w, "%s\t%s\n", msg.Tag(), msg.Namespace())
}
