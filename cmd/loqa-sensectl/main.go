package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-sense/internal/protocol"
	"github.com/loqalabs/loqa-sense/internal/runtime"
	"github.com/loqalabs/loqa-sense/internal/session"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

type options struct {
	server  string
	prefix  string
	token   string
	timeout time.Duration
}

func main() {
	var opts options
	flags := flag.NewFlagSet("loqa-sensectl", flag.ExitOnError)
	flags.StringVar(&opts.server, "server", nats.DefaultURL, "NATS server URL")
	flags.StringVar(&opts.prefix, "prefix", "sense", "Presentation subject prefix")
	flags.StringVar(&opts.token, "token", "", "NATS auth token")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Control request timeout")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: loqa-sensectl [flags] toggle|start|stop <audio|object|pose>")
		fmt.Fprintln(os.Stderr, "       loqa-sensectl [flags] watch")
		fmt.Fprintln(os.Stderr, "       loqa-sensectl version")
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])
	args := flags.Args()

	if len(args) < 1 {
		flags.Usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case protocol.ActionToggle, protocol.ActionStart, protocol.ActionStop:
		if len(args) != 2 {
			flags.Usage()
			os.Exit(2)
		}
		err = runControl(opts, args[0], args[1])
	case "watch":
		err = runWatch(opts)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(opts options) (*nats.Conn, error) {
	natsOpts := []nats.Option{nats.Name("loqa-sensectl")}
	if opts.token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.token))
	}
	return nats.Connect(opts.server, natsOpts...)
}

func runControl(opts options, action, name string) error {
	m, ok := session.ParseModality(name)
	if !ok {
		return fmt.Errorf("unknown modality %q", name)
	}
	conn, err := connect(opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload, err := json.Marshal(protocol.ControlRequest{Action: action, Modality: string(m)})
	if err != nil {
		return err
	}
	msg, err := conn.Request(runtime.ControlSubject(opts.prefix, m), payload, opts.timeout)
	if err != nil {
		return fmt.Errorf("control %s: %w", m, err)
	}
	var reply struct {
		Status *session.Status `json:"status"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	out, err := json.MarshalIndent(reply.Status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runWatch prints state changes and notifications until interrupted.
func runWatch(opts options) error {
	conn, err := connect(opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	subjects := []string{
		protocol.Subject(opts.prefix, "*", protocol.SubjectStateSuffix),
		protocol.Subject(opts.prefix, protocol.SubjectNotifySuffix),
	}
	for _, subject := range subjects {
		sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
			fmt.Printf("%s %s\n", msg.Subject, msg.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		defer sub.Unsubscribe()
	}
	<-ctx.Done()
	return nil
}
