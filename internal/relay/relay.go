// Package relay wires the whole server together: durable stores,
// session and challenge state, the validator/dispatcher pipeline, the
// WebSocket gateway, and the REST surface, all behind one listener.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"whisper2/go-server/internal/attachments"
	"whisper2/go-server/internal/calls"
	"whisper2/go-server/internal/config"
	"whisper2/go-server/internal/dispatch"
	"whisper2/go-server/internal/gateway"
	"whisper2/go-server/internal/httpapi"
	"whisper2/go-server/internal/metrics"
	"whisper2/go-server/internal/platform/privacylog"
	"whisper2/go-server/internal/platform/ratelimiter"
	"whisper2/go-server/internal/push"
	"whisper2/go-server/internal/session"
	"whisper2/go-server/internal/storage"
	"whisper2/go-server/internal/turnca"
	"whisper2/go-server/internal/validator"
	"whisper2/go-server/pkg/models"
)

// sweepInterval drives the background maintenance loop.
const sweepInterval = time.Hour

// Relay is the assembled server.
type Relay struct {
	cfg config.Config
	log *slog.Logger

	identities  *storage.IdentityStore
	pending     *storage.PendingStore
	groups      *storage.GroupStore
	attachStore *storage.AttachmentStore
	backups     *storage.BackupStore
	sessions    *session.Store
	challenges  *session.ChallengeStore
	calls       *calls.Manager
	hub         *gateway.Hub
	attachSvc   *attachments.Service
	metrics     *metrics.Registry

	httpServer *http.Server
	ready      bool
}

// New builds the relay from config. With a storage secret every store
// persists to an encrypted snapshot under the data dir; without one
// state is memory-only, which is fine for development.
func New(cfg config.Config) (*Relay, error) {
	log := newLogger(cfg.LogLevel)
	r := &Relay{cfg: cfg, log: log}

	if err := r.openStores(); err != nil {
		return nil, err
	}

	r.sessions = session.NewStore(func(id string) (models.IdentityStatus, bool) {
		ident, ok := r.identities.Lookup(id)
		return ident.Status, ok
	})
	r.challenges = session.NewChallengeStore()
	r.hub = gateway.NewHub()

	frameLimiter := ratelimiter.New(cfg.FrameRPS, cfg.FrameBurst, 10*time.Minute)
	httpLimiter := ratelimiter.New(cfg.HTTPRPS, cfg.HTTPBurst, 10*time.Minute)
	v := validator.New(r.identities, r.sessions, r.groups, frameLimiter)

	r.metrics = metrics.New(metrics.Gauges{
		LiveConnections: r.hub.LiveCount,
		ActiveSessions:  r.sessions.ActiveCount,
		PendingSize:     r.pending.TotalSize,
		ActiveCalls:     func() int { return r.calls.ActiveCount() },
	})

	notifier := &push.LogNotifier{Log: log}
	dispatcher := dispatch.New(dispatch.Deps{
		Pending:     r.pending,
		Identities:  r.identities,
		Groups:      r.groups,
		Attachments: r.attachStore,
		Registry:    r.hub,
		Verifier:    v,
		Notifier:    notifier,
		Metrics:     r.metrics,
		Log:         log,
	})
	r.calls = calls.NewManager(r.hub, dispatcher, calls.DefaultRingTimeout, log)

	r.attachSvc = attachments.NewService(
		r.attachStore,
		cfg.Attachments.BaseURL,
		cfg.Attachments.SigningSecret,
		cfg.Attachments.URLTTL,
		cfg.Attachments.MaxSize,
		log,
	)

	ws := &gateway.Server{
		Hub:              r.hub,
		Identities:       r.identities,
		Sessions:         r.sessions,
		Challenges:       r.challenges,
		Groups:           r.groups,
		Validator:        v,
		Dispatcher:       dispatcher,
		Calls:            r.calls,
		Metrics:          r.metrics,
		Log:              log,
		SessionTTL:       cfg.SessionTTL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		PongTimeout:      cfg.PongTimeout,
		SendQueueDepth:   cfg.SendQueueDepth,
	}

	api := &httpapi.Server{
		Identities:  r.identities,
		Backups:     r.backups,
		Attachments: r.attachSvc,
		Turn:        turnca.NewIssuer(cfg.Turn.URLs, cfg.Turn.SharedSecret, cfg.Turn.TTL),
		Validator:   v,
		Metrics:     r.metrics,
		Limiter:     httpLimiter,
		Log:         log,
		Ready:       func() bool { return r.ready },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.HandleWS)
	mux.Handle("/", api.Handler())

	r.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return r, nil
}

// Run serves until ctx is cancelled, then drains gracefully.
func (r *Relay) Run(ctx context.Context) error {
	gcCtx, cancelGC := context.WithCancel(ctx)
	defer cancelGC()
	go r.attachSvc.RunGC(gcCtx)
	go r.sweepLoop(gcCtx)

	errCh := make(chan error, 1)
	go func() {
		r.log.Info("relay listening", "addr", r.cfg.ListenAddr)
		errCh <- r.httpServer.ListenAndServe()
	}()
	r.ready = true

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.ready = false
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (r *Relay) openStores() error {
	secret := r.cfg.StorageSecret
	if secret == "" {
		r.log.Warn("no storage secret configured; state is memory-only")
		r.identities = storage.NewIdentityStore()
		r.pending = storage.NewPendingStore()
		r.groups = storage.NewGroupStore()
		r.attachStore = storage.NewAttachmentStore()
		r.backups = storage.NewBackupStore()
		return nil
	}

	dir := r.cfg.DataDir
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	var err error
	if r.identities, err = storage.NewPersistentIdentityStore(filepath.Join(dir, "identities.enc"), secret); err != nil {
		return err
	}
	if r.pending, err = storage.NewPersistentPendingStore(filepath.Join(dir, "pending.enc"), secret); err != nil {
		return err
	}
	if r.groups, err = storage.NewPersistentGroupStore(filepath.Join(dir, "groups.enc"), secret); err != nil {
		return err
	}
	if r.attachStore, err = storage.NewPersistentAttachmentStore(filepath.Join(dir, "attachments.enc"), secret); err != nil {
		return err
	}
	if r.backups, err = storage.NewPersistentBackupStore(filepath.Join(dir, "backups.enc"), secret); err != nil {
		return err
	}
	return nil
}

// sweepLoop expires sessions, challenges, queue rows, and ended calls
// on a fixed cadence.
func (r *Relay) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sessions := r.sessions.Sweep(now)
			challenges := r.challenges.Sweep(now)
			expired, err := r.pending.Expire(now)
			if err != nil {
				r.log.Error("pending expiry failed", "error", err)
			}
			endedCalls := r.calls.Sweep(now.Add(-time.Hour))
			if sessions > 0 || challenges > 0 || expired > 0 || endedCalls > 0 {
				r.log.Info("maintenance sweep",
					"sessions", sessions,
					"challenges", challenges,
					"expired_envelopes", expired,
					"ended_calls", endedCalls,
				)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(handler))
}
