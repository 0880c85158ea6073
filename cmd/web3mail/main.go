// Package main is the web3mail command line client.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/web3mail-go/internal/config"
	"github.com/shineum/web3mail-go/internal/eip1193"
	"github.com/shineum/web3mail-go/internal/email"
	"github.com/shineum/web3mail-go/internal/logging"
	"github.com/shineum/web3mail-go/internal/node"
	"github.com/shineum/web3mail-go/internal/provider/httprpc"
	"github.com/shineum/web3mail-go/internal/provider/loopback"
	"github.com/shineum/web3mail-go/internal/provider/redisrpc"
	"github.com/shineum/web3mail-go/internal/web3mail"
)

const usage = `usage: web3mail [flags] <command> [args]

commands:
  address               print the address bound to the provider
  send <file.json|->    send the message read from file or stdin
  count <from>          print the number of messages sent by from
  fetch <from> <index>  print the message sent by from at index
  status                print chain id, accounts and block number
  watch [from]          stream new message notifications (redis, loopback)

flags:
`

// errUsage reports a malformed command line.
var errUsage = errors.New("invalid usage")

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "web3mail:", err)
		}
		os.Exit(1)
	}
}

// options are the command line overrides applied on top of the loaded
// configuration.
type options struct {
	configPath string
	transport  string
	url        string
	token      string
	redisAddr  string
	timeout    time.Duration
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("web3mail", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to YAML configuration file (optional)")
	fs.StringVar(&opts.transport, "transport", "", "transport: http, redis or loopback")
	fs.StringVar(&opts.url, "url", "", "JSON-RPC endpoint for the http transport")
	fs.StringVar(&opts.token, "token", "", "bearer token for the http transport")
	fs.StringVar(&opts.redisAddr, "redis", "", "Redis address for the redis transport")
	fs.DurationVar(&opts.timeout, "timeout", 0, "per-command timeout (default: rpc.timeout)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging.Level, stderr)

	provider, closeProvider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	defer closeProvider()

	client := web3mail.New(provider)
	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]

	if cmd == "watch" {
		return watch(ctx, client, cmdArgs, stdout)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.RPC.Timeout)
	defer cancel()

	result, err := execute(ctx, client, cmd, cmdArgs, stdin)
	if err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
		}
		return err
	}
	return printJSON(stdout, result)
}

// loadConfig loads the configuration and applies command line overrides.
func loadConfig(opts options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFromFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if opts.transport != "" {
		cfg.RPC.Transport = opts.transport
	}
	if opts.url != "" {
		cfg.RPC.URL = opts.url
	}
	if opts.token != "" {
		cfg.RPC.Token = opts.token
	}
	if opts.redisAddr != "" {
		cfg.Redis.Addr = opts.redisAddr
	}
	if opts.timeout > 0 {
		cfg.RPC.Timeout = opts.timeout
	}
	if cfg.RPC.Timeout <= 0 {
		cfg.RPC.Timeout = 30 * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// listener is implemented by transports that must run a receive loop to
// deliver notifications.
type listener interface {
	Listen(ctx context.Context) error
}

// newProvider builds the configured transport. The returned func releases it.
func newProvider(cfg *config.Config) (eip1193.Provider, func(), error) {
	switch cfg.RPC.Transport {
	case config.TransportHTTP:
		p := httprpc.New(httprpc.Config{
			URL:     cfg.RPC.URL,
			Token:   cfg.RPC.Token,
			Timeout: cfg.RPC.Timeout,
		})
		return p, func() {}, nil

	case config.TransportRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		p := redisrpc.New(client, redisrpc.Config{
			RequestQueue:  cfg.Redis.RequestQueue,
			EventsChannel: cfg.Redis.EventsChannel,
		})
		return p, func() { client.Close() }, nil

	case config.TransportLoopback:
		d := node.NewDispatcher(node.DispatcherConfig{
			Mailbox:  node.NewMailbox(cfg.Node.Address),
			ChainID:  cfg.Node.ChainID,
			Accounts: cfg.Node.Accounts,
		})
		p := loopback.New(d)
		return p, p.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.RPC.Transport)
	}
}

// execute runs a one-shot command and returns the value to print.
func execute(ctx context.Context, client *web3mail.Client, cmd string, args []string, stdin io.Reader) (any, error) {
	switch cmd {
	case "address":
		if len(args) != 0 {
			return nil, errUsage
		}
		return client.Address(ctx)

	case "send":
		if len(args) != 1 {
			return nil, errUsage
		}
		msg, err := readMessage(args[0], stdin)
		if err != nil {
			return nil, err
		}
		if err := client.Send(ctx, msg); err != nil {
			return nil, err
		}
		return map[string]bool{"sent": true}, nil

	case "count":
		if len(args) != 1 {
			return nil, errUsage
		}
		n, err := client.Count(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return map[string]any{"from": args[0], "count": n}, nil

	case "fetch":
		if len(args) != 2 {
			return nil, errUsage
		}
		index, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q: %w", args[1], err)
		}
		return client.Fetch(ctx, args[0], index)

	case "status":
		if len(args) != 0 {
			return nil, errUsage
		}
		return status(ctx, client)

	default:
		return nil, fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// status reports what the provider exposes through the standard methods.
func status(ctx context.Context, client *web3mail.Client) (any, error) {
	w3 := client.Web3()

	chainID, err := w3.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := w3.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	block, err := w3.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"chainId":     chainID,
		"accounts":    accounts,
		"blockNumber": block,
	}, nil
}

// watch prints every web3mail_messages notification until ctx is done.
func watch(ctx context.Context, client *web3mail.Client, args []string, stdout io.Writer) error {
	if len(args) > 1 {
		return errUsage
	}

	if l, ok := client.Provider().(listener); ok {
		connected := make(chan struct{})
		var once sync.Once
		onConnect := eip1193.NewListener(func(...any) {
			once.Do(func() { close(connected) })
		})
		client.On(eip1193.EventConnect, onConnect)
		defer client.RemoveListener(eip1193.EventConnect, onConnect)

		listenErr := make(chan error, 1)
		go func() { listenErr <- l.Listen(ctx) }()

		select {
		case <-connected:
		case err := <-listenErr:
			return err
		case <-ctx.Done():
			return nil
		}
	} else if _, ok := client.Provider().(*loopback.Provider); !ok {
		return errors.New("watch needs a transport that delivers notifications (redis or loopback)")
	}

	params := []any{node.SubscriptionMessages}
	if len(args) == 1 {
		params = append(params, map[string]string{"from": args[0]})
	}

	notes := make(chan json.RawMessage, 16)
	sub, err := client.Web3().Subscribe(ctx, notes, params...)
	if err != nil {
		return err
	}
	slog.Info("watching for messages", "subscription", sub.ID())

	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := sub.Unsubscribe(unsubCtx); err != nil {
			slog.Warn("failed to unsubscribe", "subscription", sub.ID(), "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-notes:
			if err := printJSON(stdout, raw); err != nil {
				return err
			}
		}
	}
}

// readMessage decodes a MailMessage from path, or from stdin when path is "-".
func readMessage(path string, stdin io.Reader) (*email.MailMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	var msg email.MailMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
