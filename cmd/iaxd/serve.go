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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/iaxcore"
	"github.com/opd-ai/iaxcore/capture"
	"github.com/opd-ai/iaxcore/config"
	"github.com/opd-ai/iaxcore/events"
	"github.com/opd-ai/iaxcore/logging"
	"github.com/opd-ai/iaxcore/metrics"
	"github.com/opd-ai/iaxcore/pbx"
	"github.com/opd-ai/iaxcore/registry"
	"github.com/opd-ai/iaxcore/transport"
)

var (
	extensions []string
	debugIAX   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the IAX2 endpoint",
	Long: `Run the IAX2 endpoint until interrupted.

Inbound calls to an extension in the static dialplan are answered and
their media echoed back. SIGHUP and changes to the configuration file
reload users, peers and registrations.

Examples:
  iaxd serve -c iaxd.yaml
  iaxd serve -c iaxd.yaml -e 100 -e _9X. --debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringSliceVarP(&extensions, "exten", "e", []string{"s", "_X."},
		"extensions accepted in every configured context")
	serveCmd.Flags().BoolVar(&debugIAX, "debug", false, "log every frame sent and received")
}

func serve(ctx context.Context) error {
	mgr, err := config.NewManager(configFile)
	if err != nil {
		return err
	}
	snap := mgr.Current()

	logCloser, err := logging.Setup(snap.Config.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := openStore(ctx, snap.Config.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus(0, events.LogSink{})
	defer bus.Close()
	if url := snap.Config.Events.AMQP.URL; url != "" {
		sink, err := events.NewAMQPSink(events.AMQPConfig{URL: url, Exchange: snap.Config.Events.AMQP.Exchange})
		if err != nil {
			return err
		}
		bus.AddSink(sink)
	}

	g := snap.Config.General
	tr, err := transport.NewUDPTransport(g.Bind, g.TOS)
	if err != nil {
		return err
	}
	if file := snap.Config.Capture.File; file != "" {
		w, err := capture.Open(file)
		if err != nil {
			tr.Close()
			return err
		}
		defer w.Close()
		tr.SetTap(w)
	}

	echo := newEchoFactory(nil)
	eng, err := iaxcore.New(iaxcore.Options{
		Config:    mgr,
		Transport: tr,
		Dialplan:  dialplanFor(snap, extensions),
		Channels:  echo,
		Store:     store,
		Events:    bus,
		Metrics:   m,
	})
	if err != nil {
		tr.Close()
		return err
	}
	echo.calls = eng
	eng.SetDebug(debugIAX)

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return eng.Run(ctx)
	})
	grp.Go(func() error {
		mgr.Watch(ctx)
		return nil
	})
	grp.Go(func() error {
		reloadOnHangup(ctx, mgr)
		return nil
	})
	if listen := snap.Config.Metrics.Listen; listen != "" {
		grp.Go(func() error {
			return serveMetrics(ctx, listen, m)
		})
	}

	err = grp.Wait()
	if cerr := eng.Close(); cerr != nil && !errors.Is(cerr, transport.ErrClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "serve",
			"error":    cerr.Error(),
		}).Warn("Engine close failed")
	}
	echo.Wait()
	return err
}

func openStore(ctx context.Context, cfg config.Store) (registry.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return registry.NewMemoryStore(nil), nil
	case "redis":
		return registry.NewRedisStore(ctx, registry.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// dialplanFor accepts exts in the default context and in every context a
// user or peer names.
func dialplanFor(snap *config.Snapshot, exts []string) *pbx.StaticDialplan {
	dp := &pbx.StaticDialplan{Contexts: map[string][]string{"default": exts}}
	for _, u := range snap.Users {
		if u.Context != "" {
			dp.Contexts[u.Context] = exts
		}
	}
	for _, p := range snap.Peers {
		if p.Context != "" {
			dp.Contexts[p.Context] = exts
		}
	}
	return dp
}

func reloadOnHangup(ctx context.Context, mgr *config.Manager) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := mgr.Reload(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "reloadOnHangup",
					"error":    err.Error(),
				}).Warn("Reload failed")
			}
		}
	}
}

func serveMetrics(ctx context.Context, listen string, m *metrics.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "serveMetrics",
		"listen":   listen,
	}).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
