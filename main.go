package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/bitproxy/internal/config"
	"github.com/die-net/bitproxy/internal/dialer"
	"github.com/die-net/bitproxy/internal/proxy"
	"github.com/die-net/bitproxy/internal/tlsconfig"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = pflag.StringP("config", "c", "", "Path to a YAML config file. Empty uses the bundled default.")
		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		verbose     = pflag.BoolP("verbose", "v", false, "Enable per-connection error logging (overrides the config file)")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *verbose {
		cfg.Verbose = true
	}
	if cfg.SSHKeyPath == "" {
		cfg.SSHKeyPath = dialer.DefaultSSHKey()
	}
	if cfg.SSHKnownHosts == "" {
		cfg.SSHKnownHosts = defaultSSHKnownHostsPath()
	}

	ka := cfg.KeepAlive()
	d, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          ka,
		SSHKeyPath:         cfg.SSHKeyPath,
		SSHKnownHostsPath:  cfg.SSHKnownHosts,
	}, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}
	if c, ok := d.(interface{ Close() error }); ok {
		defer c.Close() //nolint:errcheck // Nothing to do about it at exit.
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var g errgroup.Group

	var metrics *proxy.Metrics
	if *debugListen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = proxy.NewMetrics(reg)
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", *debugListen)
	}

	addrs := startProxies(ctx, &g, cfg, d, metrics)
	if len(addrs) == 0 {
		stop()
		_ = g.Wait()
		return errors.New("no proxy listener could be started")
	}

	err = g.Wait()
	log.Print("shutting down")
	return err
}

// startProxies binds every configured listener and serves it on g until ctx
// is done. A listener that cannot bind is logged and skipped. It returns the
// addresses that are being served.
func startProxies(ctx context.Context, g *errgroup.Group, cfg *config.Config, d dialer.Dialer, metrics *proxy.Metrics) []net.Addr {
	listeners := []struct {
		name string
		lcfg *config.Listener
	}{
		{"http", cfg.HTTP},
		{"https", cfg.HTTPS},
	}

	ka := cfg.KeepAlive()
	var addrs []net.Addr
	for _, l := range listeners {
		if l.lcfg == nil {
			continue
		}

		ln, err := listen(ctx, l.name, l.lcfg, ka)
		if err != nil {
			log.Printf("%s proxy disabled: %v", l.name, err)
			continue
		}
		addrs = append(addrs, ln.Addr())

		srv := proxy.NewServer(ctx, proxy.Config{
			Name:               l.name,
			Auth:               l.lcfg.Auth,
			NegotiationTimeout: cfg.NegotiationTimeout,
			IdleTimeout:        cfg.IdleTimeout,
			Dialer:             d,
			Verbose:            cfg.Verbose,
			Metrics:            metrics,
		})
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, proxy.ErrServerClosed) {
				return fmt.Errorf("%s proxy serve: %w", l.name, err)
			}
			return nil
		})
		log.Printf("%s proxy listening on %s", l.name, ln.Addr())
	}
	return addrs
}

func listen(ctx context.Context, name string, lcfg *config.Listener, ka net.KeepAliveConfig) (net.Listener, error) {
	opts := proxy.ListenOptions{
		KeepAlive:  ka,
		ReusePort:  lcfg.ReusePort,
		ReverseBit: lcfg.ReverseBit,
	}

	if name == "https" {
		if lcfg.SelfSigned {
			hosts := []string{"localhost", "127.0.0.1"}
			if lcfg.Host != "" {
				hosts = append(hosts, lcfg.Host)
			}
			if err := tlsconfig.EnsureSelfSigned(lcfg.CertFile, lcfg.KeyFile, hosts); err != nil {
				return nil, fmt.Errorf("self-signed certificate: %w", err)
			}
		}
		tlsCfg, err := tlsconfig.NewServerConfig(lcfg.CertFile, lcfg.KeyFile)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsCfg
	}

	return proxy.Listen(ctx, lcfg.Addr(), opts)
}

func defaultSSHKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}
