package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/qvcloud/amq"
	"github.com/qvcloud/amq/config"
	"github.com/qvcloud/amq/internal/logger"
	"github.com/qvcloud/amq/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalFlags struct {
	configPath   string
	transport    string
	uri          string
	username     string
	password     string
	destination  string
	pipeline     string
	deliveryMode string
	transacted   bool
}

// env is what every command needs once flags and config are resolved.
type env struct {
	cfg       *config.Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	transport amq.Transport
	shutdown  func()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "amqctl",
		Short:         "Send and receive text messages through a message broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&g.configPath, "config", "", "path to a YAML config file")
	f.StringVar(&g.transport, "transport", "", "rabbitmq, nats, kafka, rocketmq, mqtt or memory (default: from uri scheme)")
	f.StringVar(&g.uri, "uri", "", "broker uri")
	f.StringVar(&g.username, "username", "", "broker username")
	f.StringVar(&g.password, "password", "", "broker password")
	f.StringVar(&g.destination, "destination", "", "queue or topic name")
	f.StringVar(&g.pipeline, "pipeline", "queue", "queue or topic")
	f.StringVar(&g.deliveryMode, "delivery-mode", "persistent", "persistent or non_persistent")
	f.BoolVar(&g.transacted, "transacted", false, "use a transacted session")

	root.AddCommand(newProduceCmd(g), newConsumeCmd(g))
	return root
}

// resolve merges the config file with the flags that were set explicitly.
func (g *globalFlags) resolve(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}

	f := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if f.Changed(name) {
			*dst = v
		}
	}
	set("transport", &cfg.Broker.Transport, g.transport)
	set("uri", &cfg.Broker.URI, g.uri)
	set("username", &cfg.Broker.Username, g.username)
	set("password", &cfg.Broker.Password, g.password)
	set("destination", &cfg.Broker.Destination, g.destination)
	set("pipeline", &cfg.Broker.Pipeline, g.pipeline)
	set("delivery-mode", &cfg.Broker.DeliveryMode, g.deliveryMode)
	if f.Changed("transacted") {
		cfg.Broker.Transacted = g.transacted
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (g *globalFlags) setup(cmd *cobra.Command) (*env, error) {
	cfg, err := g.resolve(cmd)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tr, err := newTransport(cfg.Broker.Transport, cfg.Broker.URI, amq.ZapLogger(log))
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, log: log, metrics: m, transport: tr, shutdown: func() { _ = log.Sync() }}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		log.Info("serving metrics", zap.String("addr", cfg.Metrics.Address), zap.String("path", cfg.Metrics.Path))
		e.shutdown = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
			_ = log.Sync()
		}
	}
	return e, nil
}

// instance builds and activates an Instance for role.
func (e *env) instance(ctx context.Context, role amq.Role, n amq.Notifier) (*amq.Instance, error) {
	ic, err := e.cfg.Broker.InstanceConfig()
	if err != nil {
		return nil, err
	}

	in := amq.New(role, amq.WithTransport(e.transport), amq.WithLogger(amq.ZapLogger(e.log)))
	in.Configure(ic)
	if n != nil {
		in.SetCallback(n)
	}

	if err := in.Run(ctx); err != nil {
		e.recordError(in)
		in.Close()
		return nil, err
	}
	e.metrics.SetActive(true)
	e.log.Info("instance active",
		zap.Stringer("role", role),
		zap.String("transport", e.transport.String()),
		zap.String("destination", ic.Destination),
		zap.Stringer("pipeline", ic.Pipeline))
	return in, nil
}

func (e *env) recordError(in *amq.Instance) {
	if le := in.LastErr(); le != nil {
		e.metrics.IncErrors(le.Kind.String())
	}
}

func (e *env) close(in *amq.Instance) {
	in.Close()
	e.metrics.SetActive(false)
	if in.LastErr() != nil {
		e.log.Debug("last recorded error", zap.String("error", in.LastError()))
	}
}
