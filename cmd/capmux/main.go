package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/capmux/internal/api"
	"github.com/zsiec/capmux/internal/capture"
	"github.com/zsiec/capmux/internal/certs"
	"github.com/zsiec/capmux/internal/config"
	"github.com/zsiec/capmux/internal/device"
	"github.com/zsiec/capmux/internal/ingest"
	srtingest "github.com/zsiec/capmux/internal/ingest/srt"
	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/pipeline"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	cert, err := certs.LoadOrGenerate(cfg.API.CertFile, cfg.API.KeyFile, cfg.API.Hosts...)
	if err != nil {
		slog.Error("failed to load certificate", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate ready",
		"self_signed", cert.SelfSigned,
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("capmux starting",
		"version", version,
		"srt", cfg.SRT.Listen,
		"api", cfg.API.Addr,
		"h3", cfg.API.H3Addr,
		"output_dir", cfg.Output.Dir,
		"srt_push", cfg.Output.SRTPush,
	)

	g, ctx := errgroup.WithContext(ctx)

	a := &app{
		cfg:     cfg,
		mgr:     capture.NewManager(nil),
		outputs: make(map[string]*output),
	}
	// The registry and caller are created after the errgroup so sessions
	// end when any component fails.
	a.registry = ingest.NewRegistry(func(s *ingest.Stream) { a.handleStream(ctx, s) })
	a.caller = srtingest.NewCaller(a.registry, nil)

	apiSrv, err := api.NewServer(api.Config{
		Addr:        cfg.API.H3Addr,
		Cert:        cert,
		Sessions:    a.listSessions,
		Session:     a.session,
		Reset:       a.reset,
		StopSession: a.stop,
		Pull: func(address, streamKey, streamID string) error {
			return a.caller.Pull(ctx, srtingest.PullRequest{Address: address, StreamKey: streamKey, StreamID: streamID})
		},
		PullStop: a.caller.Stop,
		PullList: a.listPulls,
	})
	if err != nil {
		slog.Error("failed to create API server", "error", err)
		os.Exit(1)
	}

	httpsSrv := &http.Server{
		Addr:      cfg.API.Addr,
		Handler:   apiSrv.Handler(),
		TLSConfig: cert.TLSConfig(),
	}

	srtSrv := srtingest.NewServer(cfg.SRT.Listen, a.registry, nil)
	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", cfg.API.Addr)
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.mgr.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpsSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return apiSrv.Start(ctx)
	})

	for _, p := range cfg.Pulls {
		g.Go(func() error {
			if err := a.caller.Pull(ctx, p); err != nil {
				slog.Warn("configured pull failed", "address", p.Address, "stream_key", p.StreamKey, "error", err)
			}
			return nil
		})
	}

	if pc := cfg.Pattern; pc != nil {
		g.Go(func() error {
			dev := device.NewPattern(pc.Key, pc.Device(), nil)
			a.runSession(ctx, pc.Key, dev, dev)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := os.Getenv("CONFIG"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.SRT.Listen = envOr("SRT_ADDR", cfg.SRT.Listen)
	cfg.API.Addr = envOr("API_ADDR", cfg.API.Addr)
	cfg.API.H3Addr = envOr("H3_ADDR", cfg.API.H3Addr)
	cfg.Output.Dir = envOr("OUTPUT_DIR", cfg.Output.Dir)
	cfg.Output.SRTPush = envOr("SRT_PUSH", cfg.Output.SRTPush)
	return cfg, cfg.Validate()
}

type statser interface {
	Stats() device.Stats
}

// output is the consumer side of one running session.
type output struct {
	pipe    *pipeline.Pipeline
	dev     statser
	closers []io.Closer
}

type app struct {
	cfg      *config.Config
	mgr      *capture.Manager
	registry *ingest.Registry
	caller   *srtingest.Caller

	mu      sync.RWMutex
	outputs map[string]*output
}

func (a *app) handleStream(ctx context.Context, s *ingest.Stream) {
	slog.Info("new stream from ingest", "key", s.Key, "origin", s.Origin)
	// Stop the transport if capture ends first, and unblock the device on
	// shutdown.
	defer s.CloseReader()
	stop := context.AfterFunc(ctx, s.CloseReader)
	defer stop()

	var opts []device.TSOption
	if a.cfg.SRT.ProbeAudio {
		opts = append(opts, device.TSOptProbeAudio())
	}
	dev := device.NewTS(s.Key, s.Reader(), nil, opts...)
	a.runSession(ctx, s.Key, dev, dev)
}

// runSession captures from dev and muxes into the configured outputs
// until the device ends or ctx is cancelled.
func (a *app) runSession(ctx context.Context, key string, dev device.Device, st statser) {
	sess := capture.NewSession(key, dev, a.cfg.Capture(), nil)
	if !a.mgr.Add(sess) {
		slog.Warn("rejecting duplicate session", "key", key)
		return
	}
	defer func() {
		a.mgr.Remove(sess)
		sess.Close()
	}()

	out, err := a.openOutputs(key)
	if err != nil {
		slog.Error("failed to open outputs", "key", key, "error", err)
		return
	}
	out.dev = st
	out.pipe = pipeline.New(key, sess, pipeline.NewPassthrough(), io.MultiWriter(out.writers()...), nil)

	a.mu.Lock()
	a.outputs[key] = out
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.outputs, key)
		a.mu.Unlock()
		for _, c := range out.closers {
			if err := c.Close(); err != nil {
				slog.Warn("closing output", "key", key, "error", err)
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(gctx) })
	g.Go(func() error {
		err := out.pipe.Run(gctx)
		if err != nil {
			// Without an output there is nothing to capture for.
			sess.Shutdown()
		}
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Error("session error", "key", key, "error", err)
	}
	slog.Info("session ended", "key", key)
}

func (a *app) openOutputs(key string) (*output, error) {
	out := &output{}
	if dir := a.cfg.Output.Dir; dir != "" {
		fs, err := pipeline.NewFileSink(dir, key, a.cfg.Output.MaxFileBytes, nil)
		if err != nil {
			return nil, err
		}
		out.closers = append(out.closers, fs)
	}
	if addr := a.cfg.Output.SRTPush; addr != "" {
		ss, err := pipeline.DialSRT(addr, "live/"+key, nil)
		if err != nil {
			for _, c := range out.closers {
				c.Close()
			}
			return nil, err
		}
		out.closers = append(out.closers, ss)
	}
	return out, nil
}

func (o *output) writers() []io.Writer {
	ws := make([]io.Writer, 0, len(o.closers)+1)
	for _, c := range o.closers {
		ws = append(ws, c.(io.Writer))
	}
	if len(ws) == 0 {
		ws = append(ws, io.Discard)
	}
	return ws
}

func (a *app) info(s *capture.Session) api.SessionInfo {
	info := api.SessionInfo{Key: s.Key, Capture: s.Stats()}
	a.mu.RLock()
	out := a.outputs[s.Key]
	a.mu.RUnlock()
	if out != nil {
		ps := out.pipe.Stats()
		info.Pipeline = &ps
		if out.dev != nil {
			ds := out.dev.Stats()
			info.Device = &ds
		}
	}
	if st, ok := a.registry.Get(s.Key); ok {
		is := st.Stats()
		info.Ingest = &is
	}
	info.Description = describe(info)
	return info
}

func (a *app) listSessions() []api.SessionInfo {
	sessions := a.mgr.List()
	infos := make([]api.SessionInfo, len(sessions))
	for i, s := range sessions {
		infos[i] = a.info(s)
	}
	return infos
}

func (a *app) session(key string) (api.SessionInfo, bool) {
	s, ok := a.mgr.Get(key)
	if !ok {
		return api.SessionInfo{}, false
	}
	return a.info(s), true
}

func (a *app) reset(key string, kind media.Kind) error {
	s, ok := a.mgr.Get(key)
	if !ok {
		return fmt.Errorf("no session %q", key)
	}
	s.Reset(kind)
	return nil
}

func (a *app) stop(key string) error {
	s, ok := a.mgr.Get(key)
	if !ok {
		return fmt.Errorf("no session %q", key)
	}
	s.Shutdown()
	return nil
}

func (a *app) listPulls() []api.PullInfo {
	pulls := a.caller.ActivePulls()
	out := make([]api.PullInfo, len(pulls))
	for i, p := range pulls {
		out[i] = api.PullInfo{Address: p.Address, StreamKey: p.StreamKey, StreamID: p.StreamID}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func describe(info api.SessionInfo) string {
	var parts []string
	if f := info.Capture.Video.Format; f != "" {
		parts = append(parts, f)
	}
	if f := info.Capture.Audio.Format; f != "" {
		parts = append(parts, f)
	}
	if info.Device != nil && info.Device.Captions > 0 {
		parts = append(parts, "CC")
	}
	if info.Ingest != nil {
		parts = append(parts, string(info.Ingest.Origin))
	}
	return strings.Join(parts, " · ")
}
