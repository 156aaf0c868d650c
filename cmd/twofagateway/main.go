package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"golang.org/x/time/rate"
)

var (
	lo = initLogger(false)
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()
	if ko.String("app.log_level") == "debug" {
		lo = initLogger(true)
	}

	var (
		fs    = initFS(os.Args[0])
		c     = initConstants()
		st    = initStore()
		msgr  = initMessenger(c.AppName, fs)
		chans = msgr.Channels()
	)
	if len(chans) == 0 {
		lo.Fatal("no providers loaded. Configure at least one provider.* section")
	}

	tp, tc := initTOTP()
	c.TOTPWindow = tc.Window
	c.QRSize = tc.QRSize

	vault, bc := initBackupCodes(st)
	c.BackupCount = bc.Count

	app := &App{
		store:     st,
		managers:  initManagers(chans, st),
		msgr:      msgr,
		totp:      tp,
		vault:     vault,
		lo:        lo,
		constants: c,
	}

	authCreds := initAuth()
	if len(authCreds) == 0 {
		lo.Fatal("no auth entries found in config")
	}

	// Periodic cleanup of expired sessions and idle rate limiters.
	rl := newRateLimiter(rate.Limit(c.RateLimit), c.RateBurst)
	cr := initCron(c.CleanupCron, app.managers[chans[0]], lo)
	cr.AddFunc("@every 5m", func() { rl.prune(time.Now().Add(-10 * time.Minute)) })
	cr.Start()

	srv := &http.Server{
		Addr:         c.Address,
		ReadTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		Handler:      initHTTPHandler(app, authCreds, rl),
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		lo.Info("starting server", "address", srv.Addr, "channels", chans)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lo.Fatal("couldn't start server", "error", err)
		}
	}()

	<-ctx.Done()
	lo.Info("shutting down")

	sCtx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	if err := srv.Shutdown(sCtx); err != nil {
		lo.Error("error shutting down server", "error", err)
	}
	<-cr.Stop().Done()
}

// initHTTPHandler registers the HTTP handlers. A nil rl disables
// per-IP request rate limiting.
func initHTTPHandler(app *App, authCreds map[string]string, rl *rateLimiter) http.Handler {
	r := chi.NewRouter()
	if rl != nil && rl.r > 0 {
		r.Use(rl.limit)
	}

	a := func(h http.HandlerFunc) http.HandlerFunc {
		return auth(authCreds, wrap(app, h))
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("twofagateway"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Get("/api/providers", a(handleGetProviders))

	r.Put("/api/otp/{channel}", a(handleCreateOTP))
	r.Put("/api/otp/{channel}/{id}", a(handleCreateOTP))
	r.Get("/api/otp/{channel}/{id}", a(handleGetOTP))
	r.Post("/api/otp/{channel}/{id}", a(handleVerifyOTP))
	r.Post("/api/otp/{channel}/{id}/resend", a(handleResendOTP))

	r.Post("/api/totp/secret", a(handleNewTOTPSecret))
	r.Post("/api/totp/verify", a(handleVerifyTOTP))

	r.Put("/api/backup-codes/{account}", a(handleRegenerateBackupCodes))
	r.Post("/api/backup-codes/{account}", a(handleConsumeBackupCode))
	r.Get("/api/backup-codes/{account}", a(handleGetBackupCodes))

	return r
}
