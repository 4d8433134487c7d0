// Command coop-server runs a cooperative session server
// with the local replication engine,
// accepting clients over websockets and optionally QUIC.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gordian-engine/coop"
	"github.com/gordian-engine/coop/cclock"
	"github.com/gordian-engine/coop/cconfig"
	"github.com/gordian-engine/coop/cdispatch"
	"github.com/gordian-engine/coop/cpacket"
	"github.com/gordian-engine/coop/cpeer"
	"github.com/gordian-engine/coop/cpubsub"
	"github.com/gordian-engine/coop/creplication"
	"github.com/gordian-engine/coop/ctransport"
	"github.com/gordian-engine/coop/ctransport/cquic"
	"github.com/gordian-engine/coop/ctransport/cws"
	"github.com/quic-go/quic-go"
)

// ALPN protocol identifier for QUIC clients.
const quicALPN = "coop/1"

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file; defaults are used if empty")
	logJSON := flag.Bool("log-json", false, "Write logs as JSON instead of text")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if *logJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	log := slog.New(h)

	if err := run(log, *configPath); err != nil {
		log.Error("Server failed", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, configPath string) error {
	cfg := cconfig.Default()
	if configPath != "" {
		var err error
		cfg, err = cconfig.Load(configPath)
		if err != nil {
			return err
		}
	} else if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid default config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := cdispatch.New(log.With("sys", "dispatcher"))
	loop := coop.NewLoop(log.With("sys", "loop"), coop.LoopConfig{
		Dispatcher:   d,
		TickInterval: cfg.TickInterval(),
	})

	mux := ctransport.NewMux()

	var ws *cws.Server
	if cfg.WebSocket.Addr != "" {
		rt := mux.NewRoute()
		ws = cws.NewServer(ctx, log.With("sys", "ws"), rt, cws.ServerConfig{
			OutboundQueueSize: cfg.WebSocket.OutboundQueueSize,
		})
		rt.Bind(ws)
	}

	var qt *cquic.Transport
	var ql *quic.Listener
	if cfg.QUIC.Addr != "" {
		cert, err := tls.LoadX509KeyPair(cfg.QUIC.CertFile, cfg.QUIC.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load QUIC certificate: %w", err)
		}

		ql, err = quic.ListenAddr(cfg.QUIC.Addr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{quicALPN},
		}, cquic.DefaultQUICConfig())
		if err != nil {
			return fmt.Errorf("failed to listen for QUIC: %w", err)
		}
		defer ql.Close()

		qcfg := cquic.Config{}
		if cfg.QUIC.TickDatagrams {
			qcfg.DatagramTypes = []cpacket.Type{cpacket.TypeTickReport}
		}

		rt := mux.NewRoute()
		qt = cquic.New(ctx, log.With("sys", "quic"), rt, qcfg)
		rt.Bind(qt)
	}

	session := coop.NewSession(ctx, log.With("sys", "session"), coop.SessionConfig{
		Loop:      loop,
		Engine:    creplication.NewLocal(log.With("sys", "replication")),
		Transport: mux,

		Estimator: cclock.EstimatorConfig{MaxStep: cclock.Tick(cfg.ClockMaxStep)},

		MaxQueueSize: cfg.MaxQueueSize,
		EventTimeout: cfg.EventTimeout,
		HistorySize:  cfg.HistorySize,

		Name: "coop-server",
	})
	mux.SetReceiver(session)

	var wg sync.WaitGroup
	var servers []*http.Server

	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Resolves on the first frame once the loop is running.
		stream, err := session.PeerChanges(ctx)
		if err != nil {
			log.Warn("Failed to follow peer changes", "err", err)
			return
		}
		cpubsub.Follow(ctx, stream, func(c cpeer.Change) {
			if c.Adding {
				log.Info("Peer joined", "peer", c.Peer, "conn", c.Conn)
			} else {
				log.Info("Peer left", "peer", c.Peer, "conn", c.Conn)
			}
		})
	}()

	if ws != nil {
		m := http.NewServeMux()
		m.Handle(cfg.WebSocket.Path, ws)
		srv := &http.Server{Addr: cfg.WebSocket.Addr, Handler: m}
		servers = append(servers, srv)

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("Listening for websocket clients", "addr", cfg.WebSocket.Addr, "path", cfg.WebSocket.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Websocket listener failed", "err", err)
				stop()
			}
		}()
	}

	if qt != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("Listening for QUIC clients", "addr", cfg.QUIC.Addr)
			if err := qt.Serve(ctx, cquic.WrapListener(ql)); err != nil && ctx.Err() == nil {
				log.Error("QUIC listener failed", "err", err)
				stop()
			}
		}()
	}

	if cfg.DebugAddr != "" {
		m := http.NewServeMux()
		m.HandleFunc("/debug/session", func(w http.ResponseWriter, req *http.Request) {
			snap, err := session.Snapshot(req.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(snap); err != nil {
				log.Debug("Failed to write session snapshot", "err", err)
			}
		})
		srv := &http.Server{Addr: cfg.DebugAddr, Handler: m}
		servers = append(servers, srv)

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("Serving diagnostics", "addr", cfg.DebugAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("Diagnostics listener failed", "err", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down", "cause", context.Cause(ctx))

	// The loop has stopped, so teardown runs here.
	loop.Wait()
	if err := session.Close(context.Background()); err != nil {
		log.Warn("Failed to close session", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Failed to shut down HTTP server", "addr", srv.Addr, "err", err)
		}
	}

	if ws != nil {
		ws.Wait()
	}
	if qt != nil {
		_ = ql.Close()
		qt.Wait()
	}

	wg.Wait()
	return nil
}
