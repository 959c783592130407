package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsmon/internal/certs"
	"github.com/zsiec/tsmon/internal/config"
	"github.com/zsiec/tsmon/internal/distribution"
	"github.com/zsiec/tsmon/internal/ingest"
	srtingest "github.com/zsiec/tsmon/internal/ingest/srt"
	"github.com/zsiec/tsmon/internal/ingest/udp"
	"github.com/zsiec/tsmon/internal/logging"
	"github.com/zsiec/tsmon/internal/metrics"
	"github.com/zsiec/tsmon/internal/session"
	"github.com/zsiec/tsmon/internal/sink"
	"github.com/zsiec/tsmon/internal/stats"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsmon: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Log.Level
	if os.Getenv("DEBUG") != "" {
		level = "debug"
	}
	logging.Init(logging.Config{Level: level, Format: cfg.Log.Format, Caller: cfg.Log.Caller})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("tsmon exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a := &app{
		cfg: cfg,
		mgr: session.NewManager(nil),
	}

	if cfg.NATS.URL != "" {
		nc, err := sink.Connect(cfg.NATS.URL, nil)
		if err != nil {
			return err
		}
		a.nc = nc
		defer func() {
			if err := nc.Drain(); err != nil {
				slog.Warn("nats drain failed", "error", err)
			}
		}()
	}

	slog.Info("tsmon starting",
		"version", version,
		"source", cfg.Monitor.Source,
		"address", cfg.Monitor.Address,
		"port", cfg.Monitor.Port,
		"api", cfg.API.Addr,
		"api_enabled", cfg.API.Enabled,
	)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		cert, err := loadCert(cfg.API)
		if err != nil {
			return err
		}
		srv, err := distribution.NewServer(distribution.ServerConfig{
			Addr:           cfg.API.Addr,
			Cert:           cert,
			Sessions:       a.mgr,
			Start:          a.startSession,
			AllowedOrigins: cfg.API.CORSOrigins,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	if cfg.Monitor.AutoStart {
		req := distribution.StartRequest{
			Key:       cfg.Monitor.Key,
			Transport: cfg.Monitor.Source,
			Address:   cfg.Monitor.Address,
			Port:      cfg.Monitor.Port,
			Interface: cfg.Monitor.Interface,
			StreamID:  cfg.SRT.StreamID,
		}
		s, err := a.startSession(ctx, req)
		if err != nil {
			return fmt.Errorf("start monitor %q: %w", req.Key, err)
		}
		// Without the API nothing can restart a dead session, so its end is
		// the end of the process.
		if !cfg.API.Enabled {
			g.Go(func() error {
				select {
				case <-s.Done():
					return s.Err()
				case <-ctx.Done():
					return nil
				}
			})
		}
	} else if !cfg.API.Enabled {
		return errors.New("nothing to do: monitor.auto_start and api.enabled are both off")
	}

	g.Go(func() error {
		<-ctx.Done()
		a.mgr.StopAll()
		return nil
	})

	return g.Wait()
}

type app struct {
	cfg *config.Config
	mgr *session.Manager
	nc  *nats.Conn
}

// startSession composes the transport and sinks for req and starts it.
func (a *app) startSession(ctx context.Context, req distribution.StartRequest) (*session.Session, error) {
	mon := a.cfg.Monitor
	log := slog.With("key", req.Key)

	var open session.Opener
	switch ingest.Kind(req.Transport) {
	case ingest.KindSRT:
		streamID := req.StreamID
		if streamID == "" {
			streamID = srtingest.DefaultStreamID(req.Key)
		}
		srtCfg := srtingest.Config{
			Address:     req.Address,
			Port:        req.Port,
			StreamID:    streamID,
			DialTimeout: a.cfg.SRT.DialTimeout,
		}
		open = func(ctx context.Context) (ingest.Source, error) {
			return srtingest.Dial(ctx, srtCfg, log)
		}
	default:
		udpCfg := udp.Config{
			Address:     req.Address,
			Port:        req.Port,
			Interface:   req.Interface,
			ReadBuffer:  mon.BufferSize,
			ReadTimeout: mon.ReadTimeout,
		}
		open = func(ctx context.Context) (ingest.Source, error) {
			return udp.Open(ctx, udpCfg, log)
		}
	}

	s, err := a.mgr.Start(ctx, session.Options{
		Key:      req.Key,
		Open:     open,
		Interval: mon.PublishInterval,
		Sinks: func(id string, started time.Time) ([]stats.Sink, error) {
			return a.sinks(req.Key, id, started)
		},
		OnStarted: func(*session.Session) {
			metrics.RecordSessionStarted()
		},
		OnEnded: func(s *session.Session) {
			metrics.RecordSessionEnded(string(s.Ended()))
			if err := s.Err(); err != nil {
				slog.Error("monitoring session ended unexpectedly", "key", s.Key, "session", s.ID, "error", err)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *app) sinks(key, id string, started time.Time) ([]stats.Sink, error) {
	out := []stats.Sink{metrics.NewSink(key)}
	if dir := a.cfg.Monitor.CSVDir; dir != "" {
		c, err := sink.OpenCSV(dir, key, started, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if a.nc != nil {
		out = append(out, sink.NewNATS(a.nc, key, id))
	}
	return out, nil
}

func loadCert(api config.APIConfig) (*certs.CertInfo, error) {
	if api.CertFile != "" {
		cert, err := certs.Load(api.CertFile, api.KeyFile)
		if err != nil {
			return nil, err
		}
		slog.Info("certificate loaded", "file", api.CertFile, "expires", cert.NotAfter.Format(time.RFC3339))
		return cert, nil
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.MaxSelfSignedValidity, api.CertHosts...)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}
