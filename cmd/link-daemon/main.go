package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/oro-sh/link-daemon/internal/containerengine"
	"github.com/oro-sh/link-daemon/internal/metrics"
	"github.com/oro-sh/link-daemon/internal/session"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("link-daemon %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, cfg.verbose, cfg.useJournald)

	engine, err := containerengine.New(cfg.dockerHost)
	if err != nil {
		l.Error("container_engine_init_error", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Image-check failure at startup is process-fatal (spec.md §7): no
	// session could ever complete without the runner image present.
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = engine.CheckImage(checkCtx, cfg.dockerRef)
	checkCancel()
	if err != nil {
		l.Error("runner_image_check_failed", "image", cfg.dockerRef, "error", err)
		os.Exit(1)
	}
	l.Info("runner_image_ready", "image", cfg.dockerRef)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	sv := &session.Supervisor{
		Engine:             engine,
		RunnerImage:        cfg.dockerRef,
		GHAccessToken:      cfg.ghAccessToken,
		GHOrganization:     cfg.ghOrganization,
		HandshakeTimeout:   cfg.handshakeTO,
		SessionReadTimeout: cfg.sessionReadTO,
	}

	addr := net.JoinHostPort(cfg.listenBind, strconv.Itoa(cfg.listenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.Error("listen_error", "addr", addr, "error", err)
		os.Exit(1)
	}
	l.Info("listening", "addr", ln.Addr().String())

	ready := true
	metrics.SetReadinessFunc(func() bool { return ready && ctx.Err() == nil })

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	wg.Add(1)
	go acceptLoop(ctx, ln, sv, cfg.clientKeepAlive, l, &wg)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	ready = false
	cancel()
	ln.Close()
	wg.Wait()
}

// acceptLoop accepts inbound Link connections and spawns one supervised
// session per connection; it returns once ln is closed by the shutdown
// path, after every spawned session has finished unwinding.
func acceptLoop(ctx context.Context, ln net.Listener, sv *session.Supervisor, keepAlive time.Duration, l interface {
	Info(string, ...any)
	Warn(string, ...any)
}, wg *sync.WaitGroup) {
	defer wg.Done()

	var sessionsWG sync.WaitGroup
	defer sessionsWG.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				l.Warn("accept_error", "error", err)
				return
			}
		}
		if tc, ok := conn.(*net.TCPConn); ok && keepAlive > 0 {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(keepAlive)
		}

		sessionsWG.Add(1)
		go func() {
			defer sessionsWG.Done()
			if err := sv.RunSession(ctx, conn); err != nil {
				l.Warn("session_ended", "error", err)
			}
		}()
	}
}
