package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/frobware/go-reuseport/config"
	"github.com/frobware/go-reuseport/udp"
)

// ServeCmd runs the listener until SIGINT or SIGTERM. Flags override
// the [listen] and [metrics] sections of the config file.
type ServeCmd struct {
	Address        string `name:"address" help:"UDP listen address."`
	Mode           string `name:"mode" help:"Steering mode: kernel or userspace."`
	Policy         string `name:"policy" help:"Dispatch policy: random or round-robin."`
	Workers        int    `name:"workers" help:"Number of workers."`
	Readers        int    `name:"readers" help:"Reader sockets in userspace mode."`
	Name           string `name:"name" help:"Pin the kernel maps under this dispatcher name."`
	Netns          string `name:"netns" help:"Network namespace path to listen in." type:"path"`
	MetricsAddress string `name:"metrics-address" help:"Prometheus endpoint address; 'off' disables it."`
}

// apply overlays the flags that were set onto cfg.
func (c *ServeCmd) apply(cfg *config.Config) error {
	l := &cfg.Listen
	if c.Address != "" {
		l.Address = c.Address
	}
	if c.Mode != "" {
		l.Mode = config.Mode(c.Mode)
	}
	if c.Policy != "" {
		l.Policy = c.Policy
	}
	if c.Workers != 0 {
		l.Workers = c.Workers
	}
	if c.Readers != 0 {
		l.Readers = c.Readers
	}
	if c.Name != "" {
		l.Name = c.Name
	}
	if c.Netns != "" {
		l.Netns = c.Netns
	}
	switch c.MetricsAddress {
	case "":
	case "off":
		cfg.Metrics.Address = ""
	default:
		cfg.Metrics.Address = c.MetricsAddress
	}
	return cfg.Validate()
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := cli.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := c.apply(&cfg); err != nil {
		return err
	}
	logger, err := cli.LoggerFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	opts, err := udp.OptionsFromConfig(cfg.Listen)
	if err != nil {
		return err
	}
	if cfg.Listen.Mode == config.ModeKernel && cfg.Listen.Name != "" {
		dirs, err := cfg.RuntimeDirs()
		if err != nil {
			return err
		}
		if err := dirs.EnsureDirectories(); err != nil {
			return err
		}
		if opts.PinDir, err = dirs.PinDir(cfg.Listen.Name); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts.Registerer = reg
	opts.Logger = logger

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, err := udp.New(opts)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Address != "" {
		hs, err := metricsServer(cfg.Metrics.Address, reg)
		if err != nil {
			srv.Stop()
			return err
		}
		logger.Info("serving metrics", "address", hs.Addr)
		g.Go(func() error {
			if err := hs.Serve(hs.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return srv.Stop()
	})
	return g.Wait()
}

type httpServer struct {
	*http.Server
	listener net.Listener
}

func metricsServer(address string, reg *prometheus.Registry) (*httpServer, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &httpServer{
		Server: &http.Server{
			Addr:              ln.Addr().String(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
	}, nil
}
