package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knadh/twofagateway/internal/backupcodes"
	"github.com/knadh/twofagateway/internal/messenger"
	"github.com/knadh/twofagateway/internal/otp"
	"github.com/knadh/twofagateway/internal/phone"
	"github.com/knadh/twofagateway/internal/store"
	"github.com/knadh/twofagateway/internal/totp"
	"github.com/knadh/twofagateway/pkg/models"
	"github.com/oklog/ulid/v2"
	"github.com/zerodha/logf"
)

const maxBackupCodes = 50

var reID = regexp.MustCompile(`^[a-zA-Z0-9_\-.]{6,128}$`)

type ctxKey string

const (
	ctxApp       ctxKey = "app"
	ctxNamespace ctxKey = "namespace"
)

// App is the global app context that groups the necessary
// controls (store, config etc.) to be injected into the HTTP handlers.
type App struct {
	store     store.Store
	managers  map[string]*otp.Manager
	msgr      *messenger.Messenger
	totp      *totp.TOTP
	vault     *backupcodes.Vault
	lo        logf.Logger
	constants constants
}

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type providerResp struct {
	Channel     string `json:"channel"`
	Provider    string `json:"provider"`
	ChannelName string `json:"channel_name"`
}

type sessionResp struct {
	ID            string    `json:"id"`
	Channel       string    `json:"channel"`
	To            string    `json:"to"`
	ExpiresAt     time.Time `json:"expires_at"`
	Attempts      int       `json:"attempts"`
	LastSentAt    time.Time `json:"last_sent_at"`
	Failures      int       `json:"failures"`
	TTLSeconds    float64   `json:"ttl_seconds"`
	ResendSeconds float64   `json:"resend_after_seconds"`
	Locked        bool      `json:"locked"`
	Expired       bool      `json:"expired"`
}

type rateLimitResp struct {
	RetryAfter float64 `json:"retry_after_seconds"`
}

type secretResp struct {
	Secret  string `json:"secret"`
	URI     string `json:"uri"`
	QR      string `json:"qr,omitempty"`
	Period  int    `json:"period"`
	Digits  int    `json:"digits"`
	Account string `json:"account"`
	Issuer  string `json:"issuer"`
}

type totpResp struct {
	Valid            bool    `json:"valid"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

type backupCodesResp struct {
	Codes     []string `json:"codes,omitempty"`
	Remaining int      `json:"remaining"`
}

// handleGetProviders returns the list of configured channels and their providers.
func handleGetProviders(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
		out = []providerResp{}
	)
	for _, ch := range app.msgr.Channels() {
		p, _ := app.msgr.Provider(ch)
		out = append(out, providerResp{Channel: ch, Provider: p.ID(), ChannelName: p.ChannelName()})
	}

	sendResponse(w, out)
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxApp).(*App)

	if err := app.store.Ping(r.Context()); err != nil {
		app.lo.Error("error pinging store", "error", err)
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleCreateOTP creates a new session on a channel and sends the code
// to the given address.
func handleCreateOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app       = r.Context().Value(ctxApp).(*App)
		namespace = r.Context().Value(ctxNamespace).(string)
		channel   = chi.URLParam(r, "channel")
		id        = chi.URLParam(r, "id")
		to        = strings.TrimSpace(r.FormValue("to"))
	)

	m, p, ok := getChannel(app, channel)
	if !ok {
		sendErrorResponse(w, "Unknown channel.", http.StatusBadRequest, nil)
		return
	}

	if to == "" {
		sendErrorResponse(w, "`to` is empty.", http.StatusBadRequest, nil)
		return
	}
	if err := p.ValidateAddress(to); err != nil {
		sendErrorResponse(w, fmt.Sprintf("Invalid `to` address: %v", err), http.StatusBadRequest, nil)
		return
	}

	// Phone channels always get a valid number, whatever the provider checks.
	if channel == models.ChannelSMS || channel == models.ChannelWhatsApp {
		num, err := phone.Validate(to)
		if err != nil {
			sendErrorResponse(w, fmt.Sprintf("Invalid `to` address: %v", err), http.StatusBadRequest, nil)
			return
		}
		to = num
	}

	// If there is no incoming ID, generate one.
	if id == "" {
		id = ulid.MustNew(ulid.Now(), rand.Reader).String()
	} else if !validID(w, id) {
		return
	}

	s, err := m.Create(r.Context(), scopeID(namespace, id), to)
	if err != nil {
		switch {
		case errors.Is(err, otp.ErrSessionExists):
			sendErrorResponse(w, "A verification is already pending against the ID. Resend instead.", http.StatusConflict, nil)
		case errors.Is(err, store.ErrTooManySessions):
			sendErrorResponse(w, "Too many pending verifications. Try later.", http.StatusServiceUnavailable, nil)
		default:
			app.lo.Error("error creating session", "error", err, "channel", channel)
			sendErrorResponse(w, "Error creating OTP.", http.StatusInternalServerError, nil)
		}
		return
	}

	out := makeSessionResp(m, s, namespace)
	if err := app.msgr.Send(r.Context(), s); err != nil {
		app.lo.Error("error sending OTP", "error", err, "channel", channel, "to", phone.Mask(to))
		sendErrorResponse(w, "Error sending OTP. Retry with resend.", http.StatusBadGateway, out)
		return
	}

	sendResponse(w, out)
}

// handleResendOTP sends a new code on an existing session if the
// resend backoff permits it.
func handleResendOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app       = r.Context().Value(ctxApp).(*App)
		namespace = r.Context().Value(ctxNamespace).(string)
		channel   = chi.URLParam(r, "channel")
		id        = chi.URLParam(r, "id")
	)

	m, _, ok := getChannel(app, channel)
	if !ok {
		sendErrorResponse(w, "Unknown channel.", http.StatusBadRequest, nil)
		return
	}
	if !validID(w, id) {
		return
	}

	s, err := m.Resend(r.Context(), scopeID(namespace, id))
	if err != nil {
		var rErr *otp.RateLimitError
		switch {
		case errors.As(err, &rErr):
			secs := math.Ceil(rErr.Wait.Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(int(secs)))
			sendErrorResponse(w, capitalize(rErr.Error())+".", http.StatusTooManyRequests, rateLimitResp{RetryAfter: secs})
		case errors.Is(err, otp.ErrNotExist):
			sendErrorResponse(w, "Unknown session.", http.StatusNotFound, nil)
		case errors.Is(err, otp.ErrExpired):
			sendErrorResponse(w, "Session expired. Please re-initiate the verification.", http.StatusGone, nil)
		default:
			app.lo.Error("error resending OTP", "error", err, "channel", channel)
			sendErrorResponse(w, "Error resending OTP.", http.StatusInternalServerError, nil)
		}
		return
	}

	out := makeSessionResp(m, s, namespace)
	if err := app.msgr.Send(r.Context(), s); err != nil {
		app.lo.Error("error sending OTP", "error", err, "channel", channel, "to", phone.Mask(s.To))
		sendErrorResponse(w, "Error sending OTP.", http.StatusBadGateway, out)
		return
	}

	sendResponse(w, out)
}

// handleVerifyOTP checks the user input against a session's code.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app       = r.Context().Value(ctxApp).(*App)
		namespace = r.Context().Value(ctxNamespace).(string)
		channel   = chi.URLParam(r, "channel")
		id        = chi.URLParam(r, "id")
		code      = strings.TrimSpace(r.FormValue("otp"))
	)

	m, _, ok := getChannel(app, channel)
	if !ok {
		sendErrorResponse(w, "Unknown channel.", http.StatusBadRequest, nil)
		return
	}
	if !validID(w, id) {
		return
	}
	id = scopeID(namespace, id)
	if code == "" {
		sendErrorResponse(w, "`otp` is empty.", http.StatusBadRequest, nil)
		return
	}

	valid, err := m.Verify(r.Context(), id, code)
	if err != nil {
		app.lo.Error("error verifying OTP", "error", err, "channel", channel)
		sendErrorResponse(w, "Error verifying OTP.", http.StatusInternalServerError, nil)
		return
	}

	if !valid {
		// Tell locked sessions apart from wrong codes.
		if s, err := m.Get(r.Context(), id); err == nil && m.Locked(s) {
			sendErrorResponse(w, "Too many attempts. Please request a new code.", http.StatusTooManyRequests, nil)
			return
		}

		sendErrorResponse(w, "Incorrect or expired OTP.", http.StatusBadRequest, nil)
		return
	}

	sendResponse(w, struct {
		Verified bool `json:"verified"`
	}{true})
}

// handleGetOTP returns the status of a session. The code is never returned.
func handleGetOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app       = r.Context().Value(ctxApp).(*App)
		namespace = r.Context().Value(ctxNamespace).(string)
		channel   = chi.URLParam(r, "channel")
		id        = chi.URLParam(r, "id")
	)

	m, _, ok := getChannel(app, channel)
	if !ok {
		sendErrorResponse(w, "Unknown channel.", http.StatusBadRequest, nil)
		return
	}
	if !validID(w, id) {
		return
	}

	s, err := m.Get(r.Context(), scopeID(namespace, id))
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			sendErrorResponse(w, "Unknown session.", http.StatusNotFound, nil)
			return
		}

		app.lo.Error("error fetching session", "error", err, "channel", channel)
		sendErrorResponse(w, "Error fetching session.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, makeSessionResp(m, s, namespace))
}

// handleNewTOTPSecret generates a new authenticator secret and its
// provisioning URI, optionally with a QR code.
func handleNewTOTPSecret(w http.ResponseWriter, r *http.Request) {
	var (
		app     = r.Context().Value(ctxApp).(*App)
		account = strings.TrimSpace(r.FormValue("account"))
		issuer  = strings.TrimSpace(r.FormValue("issuer"))
		qr, _   = strconv.ParseBool(r.FormValue("qr"))
	)

	if account == "" {
		sendErrorResponse(w, "`account` is empty.", http.StatusBadRequest, nil)
		return
	}
	if issuer == "" {
		issuer = app.constants.Issuer
	}
	if strings.Contains(issuer, ":") || strings.Contains(account, ":") {
		sendErrorResponse(w, "`account` and `issuer` cannot contain ':'.", http.StatusBadRequest, nil)
		return
	}

	secret, err := totp.GenerateSecret()
	if err != nil {
		app.lo.Error("error generating secret", "error", err)
		sendErrorResponse(w, "Error generating secret.", http.StatusInternalServerError, nil)
		return
	}

	out := secretResp{
		Secret:  secret,
		URI:     app.totp.ProvisioningURI(secret, account, issuer),
		Period:  int(app.totp.Period() / time.Second),
		Digits:  app.totp.Digits(),
		Account: account,
		Issuer:  issuer,
	}

	if qr {
		b, err := totp.QRCode(out.URI, app.constants.QRSize)
		if err != nil {
			app.lo.Error("error generating QR code", "error", err)
			sendErrorResponse(w, "Error generating QR code.", http.StatusInternalServerError, nil)
			return
		}
		out.QR = base64.StdEncoding.EncodeToString(b)
	}

	sendResponse(w, out)
}

// handleVerifyTOTP verifies an authenticator code against a secret.
func handleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app    = r.Context().Value(ctxApp).(*App)
		secret = r.FormValue("secret")
		code   = strings.TrimSpace(r.FormValue("code"))
		window = app.constants.TOTPWindow
	)

	if _, err := totp.DecodeSecret(secret); err != nil {
		sendErrorResponse(w, "Invalid `secret`.", http.StatusBadRequest, nil)
		return
	}
	if code == "" {
		sendErrorResponse(w, "`code` is empty.", http.StatusBadRequest, nil)
		return
	}
	if v := r.FormValue("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 10 {
			sendErrorResponse(w, "Invalid `window` value.", http.StatusBadRequest, nil)
			return
		}
		window = n
	}

	out := totpResp{
		Valid:            app.totp.Verify(secret, code, window),
		RemainingSeconds: app.totp.Remaining().Seconds(),
	}
	if !out.Valid {
		sendErrorResponse(w, "Incorrect code.", http.StatusBadRequest, out)
		return
	}

	sendResponse(w, out)
}

// handleRegenerateBackupCodes issues a fresh set of backup codes for an
// account, invalidating the old ones. Plain codes are only returned here.
func handleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	var (
		app       = r.Context().Value(ctxApp).(*App)
		namespace = r.Context().Value(ctxNamespace).(string)
		account   = chi.URLParam(r, "account")
		count     = app.constants.BackupCount
	)

	if v := r.FormValue("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxBackupCodes {
			sendErrorResponse(w, fmt.Sprintf("`count` should be between 1 and %d.", maxBackupCodes), http.StatusBadRequest, nil)
			return
		}
		count = n
	}

	codes, err := app.vault.Regenerate(r.Context(), scopeID(namespace, account), count)
	if err != nil {
		app.lo.Error("error generating backup codes", "error", err)
		sendErrorResponse(w, "Error generating backup codes.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, backupCodesResp{Codes: codes, Remaining: len(codes)})
}

// handleConsumeBackupCode validates and burns a backup code.
func handleConsumeBackupCode(w http.ResponseWriter, r *http.Request) {
	var (
		app       = r.Context().Value(ctxApp).(*App)
		namespace = r.Context().Value(ctxNamespace).(string)
		account   = scopeID(namespace, chi.URLParam(r, "account"))
	)

	ok, err := app.vault.Consume(r.Context(), account, r.FormValue("code"))
	if err != nil {
		if errors.Is(err, backupcodes.ErrInvalidFormat) {
			sendErrorResponse(w, "Invalid `code`. "+capitalize(err.Error())+".", http.StatusBadRequest, nil)
			return
		}

		app.lo.Error("error consuming backup code", "error", err)
		sendErrorResponse(w, "Error checking backup code.", http.StatusInternalServerError, nil)
		return
	}
	if !ok {
		sendErrorResponse(w, "Incorrect or used backup code.", http.StatusBadRequest, nil)
		return
	}

	n, err := app.vault.Remaining(r.Context(), account)
	if err != nil {
		app.lo.Error("error counting backup codes", "error", err)
	}
	sendResponse(w, backupCodesResp{Remaining: n})
}

// handleGetBackupCodes returns the number of unused backup codes.
func handleGetBackupCodes(w http.ResponseWriter, r *http.Request) {
	var (
		app       = r.Context().Value(ctxApp).(*App)
		namespace = r.Context().Value(ctxNamespace).(string)
		account   = chi.URLParam(r, "account")
	)

	n, err := app.vault.Remaining(r.Context(), scopeID(namespace, account))
	if err != nil {
		app.lo.Error("error counting backup codes", "error", err)
		sendErrorResponse(w, "Error fetching backup codes.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, backupCodesResp{Remaining: n})
}

// getChannel returns the session manager and provider of a channel.
func getChannel(app *App, channel string) (*otp.Manager, models.Provider, bool) {
	m, ok := app.managers[channel]
	if !ok {
		return nil, nil, false
	}
	p, ok := app.msgr.Provider(channel)
	return m, p, ok
}

// validID checks a session ID and writes a 400 if it's malformed.
func validID(w http.ResponseWriter, id string) bool {
	if !reID.MatchString(id) {
		sendErrorResponse(w, "ID should be 6-128 alphanumeric characters.", http.StatusBadRequest, nil)
		return false
	}
	return true
}

func makeSessionResp(m *otp.Manager, s models.Session, namespace string) sessionResp {
	var (
		now    = m.Now()
		resend = s.LastSentAt.Add(m.RetryDelay(s.Attempts + 1)).Sub(now)
		ttl    = s.ExpiresAt.Sub(now)
	)
	if resend < 0 {
		resend = 0
	}
	if ttl < 0 {
		ttl = 0
	}

	return sessionResp{
		ID:            strings.TrimPrefix(s.ID, namespace+":"),
		Channel:       s.Channel,
		To:            s.To,
		ExpiresAt:     s.ExpiresAt,
		Attempts:      s.Attempts,
		LastSentAt:    s.LastSentAt,
		Failures:      s.Failures,
		TTLSeconds:    math.Round(ttl.Seconds()),
		ResendSeconds: math.Ceil(resend.Seconds()),
		Locked:        m.Locked(s),
		Expired:       s.Expired(now),
	}
}

// scopeID scopes an ID to the namespace of the API credentials
// so that namespaces can't see each other's sessions.
func scopeID(namespace, id string) string {
	return namespace + ":" + id
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxApp, app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}

// auth is a simple authentication middleware.
func auth(authMap map[string]string, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBasic = "Basic"
		var (
			pair  [][]byte
			delim = []byte(":")

			h = r.Header.Get("Authorization")
		)

		// Basic auth scheme.
		if strings.HasPrefix(h, authBasic) {
			payload, err := base64.StdEncoding.DecodeString(strings.Trim(h[len(authBasic):], " "))
			if err != nil {
				sendErrorResponse(w, "Invalid Base64 value in Basic Authorization header.",
					http.StatusUnauthorized, nil)
				return
			}

			pair = bytes.SplitN(payload, delim, 2)
		} else {
			sendErrorResponse(w, "Missing Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		if len(pair) != 2 {
			sendErrorResponse(w, "Invalid value in Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		var (
			namespace = string(pair[0])
			secret    = pair[1]
		)
		s, ok := authMap[namespace]
		if !ok || subtle.ConstantTimeCompare([]byte(s), secret) != 1 {
			sendErrorResponse(w, "Invalid API credentials.",
				http.StatusUnauthorized, nil)
			return
		}

		ctx := context.WithValue(r.Context(), ctxNamespace, namespace)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
