// Command xbroker operates a broker from the shell.
//
//	xbroker [flags] request <topic> <type> <json>   send and wait for the reply
//	xbroker [flags] publish <topic> <type> <json>   fire and forget
//	xbroker [flags] watch [events|views]            stream inbound envelopes
//	xbroker [flags] relay                           echo requests from the events topic
//
// Settings come from the YAML file given by -config (or XBROKER_CONFIG),
// a .env file and the environment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/k0kubun/pp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xbroker"
	"github.com/trickstertwo/xbroker/internal/config"
	"github.com/trickstertwo/xbroker/internal/uuidx"
	"github.com/trickstertwo/xbroker/setup"
)

type options struct {
	configPath string
	timeout    time.Duration
	field      string
	types      string
	includeOwn bool
	raw        bool
	messageID  string
	metrics    string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "YAML config file")
	flag.DurationVar(&o.timeout, "timeout", 0, "reply timeout for request (default from config)")
	flag.StringVar(&o.field, "field", "", "gjson path selecting part of each payload")
	flag.StringVar(&o.types, "types", "", "comma separated message types for watch")
	flag.BoolVar(&o.includeOwn, "include-own", false, "watch also shows envelopes sent by this process")
	flag.BoolVar(&o.raw, "raw", false, "print payloads as plain JSON")
	flag.StringVar(&o.messageID, "id", "", "message id (UUID) for request and publish")
	flag.StringVar(&o.metrics, "metrics", "", "serve Prometheus metrics on this address, e.g. :9090")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xbroker: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if o.messageID != "" && !uuidx.Valid(o.messageID) {
		fmt.Fprintf(os.Stderr, "xbroker: -id %q is not a UUID\n", o.messageID)
		os.Exit(2)
	}

	var brokerOpts []setup.Option
	if o.metrics != "" {
		opt, err := serveMetrics(o.metrics, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to register metrics")
			os.Exit(1)
		}
		brokerOpts = append(brokerOpts, opt)
	}

	b, err := setup.NewBroker(ctx, cfg, logger, brokerOpts...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start broker")
		os.Exit(1)
	}
	runErr := run(ctx, b, o, args)

	dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Disconnect(dctx); err != nil {
		logger.Warn().Err(err).Msg("disconnect")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error().Err(runErr).Str("command", args[0]).Msg("command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: xbroker [flags] request|publish <topic> <type> <json>\n")
	fmt.Fprintf(flag.CommandLine.Output(), "       xbroker [flags] watch [events|views]\n")
	fmt.Fprintf(flag.CommandLine.Output(), "       xbroker [flags] relay\n\n")
	flag.PrintDefaults()
}

func newLogger(c config.LoggingConfig) *xlog.Logger {
	level := xlog.LevelInfo
	switch c.Level {
	case "debug":
		level = xlog.LevelDebug
	case "warn":
		level = xlog.LevelWarn
	case "error":
		level = xlog.LevelError
	}
	return zerolog.Use(zerolog.Config{
		MinLevel:          level,
		Console:           c.Console,
		ConsoleTimeFormat: time.RFC3339,
	}).With(xlog.Str("app", "xbroker"))
}

// serveMetrics exposes broker telemetry on addr/metrics and returns the
// option attaching the collecting observer.
func serveMetrics(addr string, logger *xlog.Logger) (setup.Option, error) {
	reg := prometheus.NewRegistry()
	obs := xbroker.NewPrometheusObserver("xbroker")
	if err := obs.Register(reg); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")

	return func(bb *xbroker.BrokerBuilder) { bb.WithObserver(obs) }, nil
}

func run(ctx context.Context, b *xbroker.Broker, o options, args []string) error {
	switch cmd := args[0]; cmd {
	case "request":
		topic, msgType, payload, err := messageArgs(args[1:])
		if err != nil {
			return err
		}
		opts := callOptions(o)
		if o.timeout > 0 {
			opts = append(opts, xbroker.WithTimeout(o.timeout))
		}
		reply, err := b.ForwardAndGetReply(ctx, topic, msgType, payload, opts...)
		if err != nil {
			return err
		}
		return show(o, reply)

	case "publish":
		topic, msgType, payload, err := messageArgs(args[1:])
		if err != nil {
			return err
		}
		id, err := b.Forward(ctx, topic, msgType, payload, callOptions(o)...)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	case "watch":
		source := "events"
		if len(args) > 1 {
			source = args[1]
		}
		return watch(ctx, b, o, source)

	case "relay":
		return relay(ctx, b, o)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func callOptions(o options) []xbroker.CallOption {
	if o.messageID == "" {
		return nil
	}
	return []xbroker.CallOption{xbroker.WithMessageID(o.messageID)}
}

// messageArgs parses <topic> <type> <json>. The payload stays raw JSON so
// it is forwarded byte for byte.
func messageArgs(args []string) (string, string, json.RawMessage, error) {
	if len(args) != 3 {
		return "", "", nil, errors.New("expected <topic> <type> <json>")
	}
	if !gjson.Valid(args[2]) {
		return "", "", nil, fmt.Errorf("payload is not valid JSON: %s", args[2])
	}
	return args[0], args[1], json.RawMessage(args[2]), nil
}

func watch(ctx context.Context, b *xbroker.Broker, o options, source string) error {
	var types []string
	if o.types != "" {
		types = strings.Split(o.types, ",")
	}

	var (
		stream *xbroker.EventStream
		err    error
	)
	switch source {
	case "events":
		stream, err = b.GetEvents(ctx, types, !o.includeOwn)
	case "views":
		stream, err = b.GetMaterializedViewUpdates(ctx, types, !o.includeOwn)
	default:
		return fmt.Errorf("unknown watch source %q", source)
	}
	if err != nil {
		return err
	}
	defer stream.Close()

	for env := range stream.C() {
		if o.raw || o.field != "" {
			if err := show(o, env.Data); err != nil {
				return err
			}
			continue
		}
		pp.Println(map[string]any{
			"id":         env.ID,
			"type":       env.Type,
			"topic":      env.Topic,
			"attributes": env.Attributes,
			"data":       gjson.ParseBytes(env.Data).Value(),
		})
	}
	if n := stream.Dropped(); n > 0 {
		fmt.Fprintf(os.Stderr, "xbroker: %d envelopes dropped\n", n)
	}
	return ctx.Err()
}

// relay answers every request seen on the events topic with its own data,
// or the -field selection of it, as the reply payload.
func relay(ctx context.Context, b *xbroker.Broker, o options) error {
	stream, err := b.GetEvents(ctx, nil, true)
	if err != nil {
		return err
	}
	defer stream.Close()

	for env := range stream.C() {
		if env.ReplyTo() == "" {
			continue
		}
		payload := json.RawMessage(env.Data)
		if o.field != "" {
			payload = json.RawMessage(gjson.GetBytes(env.Data, o.field).Raw)
			if len(payload) == 0 {
				payload = json.RawMessage("null")
			}
		}
		if _, err := b.Reply(ctx, env, env.Type+"Reply", payload); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func show(o options, data []byte) error {
	if o.field != "" {
		res := gjson.GetBytes(data, o.field)
		if !res.Exists() {
			return fmt.Errorf("field %q not present in %s", o.field, data)
		}
		if o.raw {
			fmt.Println(res.Raw)
			return nil
		}
		pp.Println(res.Value())
		return nil
	}
	if o.raw {
		fmt.Println(string(data))
		return nil
	}
	pp.Println(gjson.ParseBytes(data).Value())
	return nil
}
