package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicedesk/voicedesk/internal/api"
	"github.com/voicedesk/voicedesk/internal/api/middleware"
	"github.com/voicedesk/voicedesk/internal/audio"
	"github.com/voicedesk/voicedesk/internal/calllog"
	"github.com/voicedesk/voicedesk/internal/config"
	"github.com/voicedesk/voicedesk/internal/history"
	"github.com/voicedesk/voicedesk/internal/metrics"
	"github.com/voicedesk/voicedesk/internal/recording"
	"github.com/voicedesk/voicedesk/internal/session"
	"github.com/voicedesk/voicedesk/internal/signaling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if cfg.SIPServer == "" {
		slog.Error("sip-server is required")
		os.Exit(1)
	}

	slog.Info("starting voicedesk",
		"http_addr", cfg.HTTPAddr(),
		"sip_server", cfg.SIPServer,
		"data_dir", cfg.DataDir,
	)

	// Open the local call-history cache and run migrations.
	db, err := history.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open call history database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	calls := history.NewStore(db)

	if err := os.MkdirAll(cfg.RecordingsDir(), 0750); err != nil {
		slog.Error("failed to create recordings directory", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Sweep WAVs orphaned by a crash; uploads remove their own files.
	recording.StartCleanupTicker(appCtx, cfg.RecordingsDir(), 24*time.Hour, time.Hour, logger)

	// SIP signaling client.
	sipClient, err := signaling.NewSIPClient(signaling.Config{
		Server:       cfg.SIPServer,
		Username:     cfg.SIPUsername,
		AuthUsername: cfg.AuthUser(),
		Password:     cfg.SIPPassword,
		Transport:    cfg.SIPTransport,
		MediaIP:      cfg.MediaIP(),
		Expiry:       cfg.SIPExpiry,
		UserAgent:    "voicedesk",
	}, logger)
	if err != nil {
		slog.Error("failed to create sip client", "error", err)
		os.Exit(1)
	}
	defer sipClient.Close()

	sipErrCh := make(chan error, 1)
	go func() {
		addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.SIPListenPort))
		if err := sipClient.Start(appCtx, addr); err != nil && appCtx.Err() == nil {
			sipErrCh <- err
		}
	}()

	// Registration is best-effort at startup: calls placed before it
	// completes are queued and dispatched once the registrar answers.
	go func() {
		ctx, cancel := context.WithTimeout(appCtx, 30*time.Second)
		defer cancel()
		if err := sipClient.Register(ctx); err != nil {
			slog.Error("sip registration failed", "error", err)
		}
	}()

	// Audio device endpoints. Raw PCM FIFOs bridge to whatever capture
	// and playback processes the deployment runs; without them the agent
	// sends silence and discards inbound audio.
	mic, micClose := openCapture(cfg.AudioCapture, logger)
	defer micClose()
	speaker, speakerClose := openPlayback(cfg.AudioPlayback, logger)
	defer speakerClose()

	// Call-log sync and recording upload are disabled without a service URL.
	var logAPI calllog.API
	var uploader recording.Uploader
	if cfg.CallLogURL != "" {
		logAPI = calllog.NewClient(cfg.CallLogURL, cfg.CallLogAPIKey)
		uploader = recording.NewHTTPUploader(cfg.CallLogURL, cfg.CallLogAPIKey)
	} else {
		slog.Warn("no call-log-url configured, call logs and recording uploads are disabled")
	}
	synchronizer := calllog.NewSynchronizer(logAPI, logger)

	newRecorder := func() session.Recorder {
		return recording.NewPipeline(cfg.RecordingsDir(), uploader, logger)
	}

	ctrl := session.NewController(session.Config{
		AgentName:  cfg.AgentName,
		AutoRecord: cfg.AutoRecord,
	}, sipClient, mic, speaker, newRecorder, synchronizer, calls, logger)
	go ctrl.Run(appCtx)

	// Metrics registry scoped to this process.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(ctrl, sipClient, time.Now()))

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("invalid jwt secret", "error", err)
		os.Exit(1)
	}
	if jwtSecret == nil {
		slog.Warn("no jwt-secret configured, control API auth is disabled")
	}

	handler := api.NewServer(ctrl, calls, api.Options{
		JWTSecret:   jwtSecret,
		CORSOrigins: middleware.ParseCORSOrigins(cfg.CORSOrigins),
		Gatherer:    registry,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("control api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	case err := <-sipErrCh:
		slog.Error("sip transport error", "error", err)
	}

	// Graceful shutdown with timeout. Any live call is torn down before
	// the registration is dropped.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	ctrl.ForceReset()
	appCancel()

	if err := sipClient.Unregister(ctx); err != nil {
		slog.Warn("sip unregister failed", "error", err)
	}

	slog.Info("voicedesk stopped")
}

// openCapture opens the configured raw PCM capture path as the microphone
// track. Without one the agent transmits silence.
func openCapture(path string, logger *slog.Logger) (audio.Track, func()) {
	if path == "" {
		logger.Warn("no audio-capture configured, transmitting silence")
		t := newSilenceTrack()
		return t, t.Close
	}
	// O_RDWR so opening a FIFO does not block waiting for the peer.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		logger.Error("failed to open audio capture, transmitting silence", "path", path, "error", err)
		t := newSilenceTrack()
		return t, t.Close
	}
	logger.Info("audio capture opened", "path", path)
	return &pcmCaptureTrack{f: f}, func() { f.Close() }
}

// openPlayback opens the configured raw PCM playback path as the speaker
// sink. Without one inbound audio is discarded.
func openPlayback(path string, logger *slog.Logger) (audio.Sink, func()) {
	if path == "" {
		logger.Warn("no audio-playback configured, discarding inbound audio")
		return discardSink{}, func() {}
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		logger.Error("failed to open audio playback, discarding inbound audio", "path", path, "error", err)
		return discardSink{}, func() {}
	}
	logger.Info("audio playback opened", "path", path)
	return &pcmPlaybackSink{f: f}, func() { f.Close() }
}

// pcmCaptureTrack reads 16-bit little-endian 8 kHz mono PCM frames from a
// file or FIFO. The writer side paces delivery.
type pcmCaptureTrack struct {
	f   *os.File
	buf [audio.SamplesPerFrame * 2]byte
}

func (t *pcmCaptureTrack) ReadFrame(buf []int16) (int, error) {
	if _, err := io.ReadFull(t.f, t.buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return 0, err
	}
	n := len(buf)
	if n > audio.SamplesPerFrame {
		n = audio.SamplesPerFrame
	}
	for i := 0; i < n; i++ {
		buf[i] = int16(binary.LittleEndian.Uint16(t.buf[i*2:]))
	}
	return n, nil
}

// pcmPlaybackSink writes 16-bit little-endian PCM to a file or FIFO.
type pcmPlaybackSink struct {
	f *os.File
}

func (s *pcmPlaybackSink) WriteFrame(samples []int16) error {
	buf := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	_, err := s.f.Write(buf)
	return err
}

// silenceTrack produces zero frames at the 20 ms cadence so the outbound
// RTP stream keeps flowing even without a capture device.
type silenceTrack struct {
	ticker *time.Ticker
	done   chan struct{}
}

func newSilenceTrack() *silenceTrack {
	return &silenceTrack{
		ticker: time.NewTicker(audio.SamplesPerFrame * time.Second / audio.SampleRate),
		done:   make(chan struct{}),
	}
}

func (t *silenceTrack) ReadFrame(buf []int16) (int, error) {
	select {
	case <-t.done:
		return 0, io.EOF
	case <-t.ticker.C:
	}
	n := len(buf)
	if n > audio.SamplesPerFrame {
		n = audio.SamplesPerFrame
	}
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	return n, nil
}

func (t *silenceTrack) Close() {
	t.ticker.Stop()
	close(t.done)
}

// discardSink drops inbound audio.
type discardSink struct{}

func (discardSink) WriteFrame([]int16) error { return nil }
