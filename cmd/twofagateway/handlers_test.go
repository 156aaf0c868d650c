package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/knadh/twofagateway/internal/backupcodes"
	"github.com/knadh/twofagateway/internal/messenger"
	"github.com/knadh/twofagateway/internal/otp"
	"github.com/knadh/twofagateway/internal/phone"
	"github.com/knadh/twofagateway/internal/store/redis"
	"github.com/knadh/twofagateway/internal/totp"
	"github.com/knadh/twofagateway/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type dummyProv struct {
	channel string

	mu   sync.Mutex
	last string
	fail bool

	// acceptAny makes ValidateAddress accept any address, like a
	// webhook that doesn't validate numbers.
	acceptAny bool
}

// ID returns the Provider's ID.
func (d *dummyProv) ID() string {
	return "dummy" + d.channel
}

// Channel returns the channel the Provider delivers on.
func (d *dummyProv) Channel() string {
	return d.channel
}

// ChannelName returns the Provider's channel name.
func (d *dummyProv) ChannelName() string {
	return "dummychannel"
}

// ValidateAddress validates a phone number.
func (d *dummyProv) ValidateAddress(to string) error {
	d.mu.Lock()
	lax := d.acceptAny
	d.mu.Unlock()
	if lax {
		return nil
	}

	_, err := phone.Validate(to)
	return err
}

// Push records the message as the last code sent.
func (d *dummyProv) Push(ctx context.Context, to, subject string, m []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fail {
		return errors.New("dummy provider is down")
	}
	d.last = string(m)
	return nil
}

// MaxBodyLen returns the max permitted body size.
func (d *dummyProv) MaxBodyLen() int {
	return 100 * 1024
}

func (d *dummyProv) lastCode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *dummyProv) setFail(f bool) {
	d.mu.Lock()
	d.fail = f
	d.mu.Unlock()
}

func (d *dummyProv) setAcceptAny(a bool) {
	d.mu.Lock()
	d.acceptAny = a
	d.mu.Unlock()
}

const (
	dummyNamespace = "myapp"
	dummySecret    = "mysecret"
	dummyOTPID     = "myotp123"
	dummyToAddress = "+263772890123"
	dummyAccount   = "user42"
)

var (
	srv     *httptest.Server
	rdis    *miniredis.Miniredis
	smsProv = &dummyProv{channel: models.ChannelSMS}
	waProv  = &dummyProv{channel: models.ChannelWhatsApp}
	testTP  = totp.New(totp.Opt{})
)

func init() {
	// Dummy Redis.
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd
	port, _ := strconv.Atoi(rd.Port())

	st := redis.New(redis.Conf{
		Host: rd.Host(),
		Port: port,
	})

	// The message is just the code so that tests can read it back.
	lo := initLogger(true)
	msgr := messenger.New(messenger.Opt{}, lo)
	for _, p := range []*dummyProv{smsProv, waProv} {
		tpl, _ := messenger.ParseTpl("{{ .Code }}", "")
		if err := msgr.Register(p, tpl, 0); err != nil {
			log.Fatal(err)
		}
	}

	managers := map[string]*otp.Manager{}
	for _, ch := range msgr.Channels() {
		managers[ch] = otp.New(ch, st, otp.Opt{MaxFailures: 3}, lo)
	}

	app := &App{
		store:    st,
		managers: managers,
		msgr:     msgr,
		totp:     testTP,
		vault:    backupcodes.NewVault(st, bcrypt.MinCost, lo),
		lo:       lo,
		constants: constants{
			AppName:     "Koppo App",
			Issuer:      "Koppo",
			TOTPWindow:  1,
			BackupCount: backupcodes.DefaultCount,
		},
	}

	authCreds := map[string]string{dummyNamespace: dummySecret, "otherapp": "othersecret"}
	srv = httptest.NewServer(initHTTPHandler(app, authCreds, nil))
}

func reset() {
	rdis.FlushDB()
	smsProv.setFail(false)
	smsProv.setAcceptAny(false)
}

func TestGetProviders(t *testing.T) {
	var (
		data []providerResp
		out  = httpResp{Data: &data}
	)
	r := testRequest(t, http.MethodGet, "/api/providers", nil, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	require.Len(t, data, 2)
	assert.Equal(t, models.ChannelSMS, data[0].Channel)
	assert.Equal(t, models.ChannelWhatsApp, data[1].Channel)
}

func TestHealthCheck(t *testing.T) {
	var out httpResp
	r := testRequest(t, http.MethodGet, "/api/health", nil, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
}

func TestAuth(t *testing.T) {
	var out httpResp
	r := testRequestAs(t, dummyNamespace, "wrong", http.MethodGet, "/api/providers", nil, &out)
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode, "bad secret accepted")

	r = testRequestAs(t, "", "", http.MethodGet, "/api/providers", nil, &out)
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode, "empty credentials accepted")
}

func TestCreateOTP(t *testing.T) {
	reset()
	var (
		data = &sessionResp{}
		out  = httpResp{Data: data}
		p    = url.Values{}
	)
	p.Set("to", dummyToAddress)

	// Unknown channel.
	r := testRequest(t, http.MethodPut, "/api/otp/pigeon/"+dummyOTPID, p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for bad channel")

	// Bad to address.
	p.Set("to", "12345")
	r = testRequest(t, http.MethodPut, "/api/otp/sms/"+dummyOTPID, p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for bad to address")

	// Bad ID.
	p.Set("to", dummyToAddress)
	r = testRequest(t, http.MethodPut, "/api/otp/sms/abc", p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for short ID")

	// Without an ID.
	r = testRequest(t, http.MethodPut, "/api/otp/sms", p, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.Len(t, data.ID, 26, "id wasn't auto generated")
	assert.Equal(t, dummyToAddress, data.To, "to doesn't match")
	assert.Equal(t, 1, data.Attempts, "attempts doesn't match")
	assert.Len(t, smsProv.lastCode(), 6, "code wasn't sent")

	// With an ID, and a number that needs cleaning.
	p.Set("to", "+263 77 289-0123")
	r = testRequest(t, http.MethodPut, "/api/otp/sms/"+dummyOTPID, p, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.Equal(t, dummyOTPID, data.ID, "id doesn't match")
	assert.Equal(t, dummyToAddress, data.To, "to wasn't cleaned")
	assert.Equal(t, float64(300), data.TTLSeconds)
	assert.Equal(t, float64(30), data.ResendSeconds)

	// Pending session against the same ID.
	r = testRequest(t, http.MethodPut, "/api/otp/sms/"+dummyOTPID, p, &out)
	assert.Equal(t, http.StatusConflict, r.StatusCode, "duplicate session created")

	// Same ID on another channel is a different session.
	r = testRequest(t, http.MethodPut, "/api/otp/whatsapp/"+dummyOTPID, p, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
}

func TestCreateOTPInvalidPhone(t *testing.T) {
	reset()
	smsProv.setAcceptAny(true)

	p := url.Values{}
	p.Set("to", "call me 42")
	r := testRequest(t, http.MethodPut, "/api/otp/sms/"+dummyOTPID, p, &httpResp{})
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for a non-phone address")
	assert.Empty(t, rdis.Keys(), "session created for an invalid number")

	p.Set("to", "+263 77 289-0123")
	r = testRequest(t, http.MethodPut, "/api/otp/sms/"+dummyOTPID, p, &httpResp{})
	assert.Equal(t, http.StatusOK, r.StatusCode, "valid number rejected")
}

func TestBadSessionID(t *testing.T) {
	reset()
	cp := url.Values{}
	cp.Set("otp", "123456")

	for _, id := range []string{"abc", "abc$def"} {
		r := testRequest(t, http.MethodPost, "/api/otp/sms/"+id+"/resend", nil, &httpResp{})
		assert.Equal(t, http.StatusBadRequest, r.StatusCode, "resend accepted bad ID %s", id)

		r = testRequest(t, http.MethodPost, "/api/otp/sms/"+id, cp, &httpResp{})
		assert.Equal(t, http.StatusBadRequest, r.StatusCode, "verify accepted bad ID %s", id)

		r = testRequest(t, http.MethodGet, "/api/otp/sms/"+id, nil, &httpResp{})
		assert.Equal(t, http.StatusBadRequest, r.StatusCode, "get accepted bad ID %s", id)
	}
	assert.Empty(t, rdis.Keys())
}

func TestMakeSessionResp(t *testing.T) {
	now := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)
	m := otp.New(models.ChannelSMS, nil, otp.Opt{
		Clock: func() time.Time { return now },
	}, initLogger(false))

	s := models.Session{
		ID:         dummyNamespace + ":" + dummyOTPID,
		Channel:    models.ChannelSMS,
		To:         dummyToAddress,
		ExpiresAt:  now.Add(290 * time.Second),
		Attempts:   1,
		LastSentAt: now.Add(-10 * time.Second),
	}

	out := makeSessionResp(m, s, dummyNamespace)
	assert.Equal(t, dummyOTPID, out.ID)
	assert.Equal(t, float64(290), out.TTLSeconds)
	assert.Equal(t, float64(20), out.ResendSeconds)
	assert.False(t, out.Expired)

	s.ExpiresAt = now.Add(-time.Second)
	out = makeSessionResp(m, s, dummyNamespace)
	assert.Equal(t, float64(0), out.TTLSeconds)
	assert.True(t, out.Expired)
}

func TestVerifyOTP(t *testing.T) {
	reset()
	p := url.Values{}
	p.Set("to", dummyToAddress)

	var out httpResp
	r := testRequest(t, http.MethodPut, "/api/otp/sms/"+dummyOTPID, p, &out)
	require.Equal(t, http.StatusOK, r.StatusCode, "otp registration failed")
	code := smsProv.lastCode()

	// Empty OTP.
	cp := url.Values{}
	r = testRequest(t, http.MethodPost, "/api/otp/sms/"+dummyOTPID, cp, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for empty otp")

	// Bad OTP.
	cp.Set("otp", wrongCode(code))
	r = testRequest(t, http.MethodPost, "/api/otp/sms/"+dummyOTPID, cp, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for bad otp")

	// Another namespace can't verify the session.
	cp.Set("otp", code)
	r = testRequestAs(t, "otherapp", "othersecret", http.MethodPost, "/api/otp/sms/"+dummyOTPID, cp, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "session verified across namespaces")

	// Good OTP.
	r = testRequest(t, http.MethodPost, "/api/otp/sms/"+dummyOTPID, cp, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "good OTP failed")

	// No replay.
	r = testRequest(t, http.MethodPost, "/api/otp/sms/"+dummyOTPID, cp, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "OTP didn't get deleted on verification")
}

func TestVerifyOTPLock(t *testing.T) {
	reset()
	p := url.Values{}
	p.Set("to", dummyToAddress)

	var out httpResp
	r := testRequest(t, http.MethodPut, "/api/otp/sms/"+dummyOTPID, p, &out)
	require.Equal(t, http.StatusOK, r.StatusCode, "otp registration failed")
	code := smsProv.lastCode()

	cp := url.Values{}
	cp.Set("otp", wrongCode(code))
	for i := 0; i < 3; i++ {
		r = testRequest(t, http.MethodPost, "/api/otp/sms/"+dummyOTPID, cp, &out)
		assert.NotEqual(t, http.StatusOK, r.StatusCode, "bad OTP passed")
	}
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode, "bad OTPs didn't lock the session")

	// The right code doesn't work on a locked session.
	cp.Set("otp", code)
	r = testRequest(t, http.MethodPost, "/api/otp/sms/"+dummyOTPID, cp, &out)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode, "locked session verified")
}

func TestResendOTP(t *testing.T) {
	reset()
	var (
		rl  = &rateLimitResp{}
		out = httpResp{Data: rl}
		p   = url.Values{}
	)
	p.Set("to", dummyToAddress)

	r := testRequest(t, http.MethodPost, "/api/otp/sms/"+dummyOTPID+"/resend", nil, &out)
	assert.Equal(t, http.StatusNotFound, r.StatusCode, "resend on unknown session")

	r = testRequest(t, http.MethodPut, "/api/otp/sms/"+dummyOTPID, p, &httpResp{})
	require.Equal(t, http.StatusOK, r.StatusCode, "otp registration failed")

	// Immediate resend is rate limited.
	r = testRequest(t, http.MethodPost, "/api/otp/sms/"+dummyOTPID+"/resend", nil, &out)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode, "resend wasn't rate limited")

	wait, err := strconv.Atoi(r.Header.Get("Retry-After"))
	require.NoError(t, err, "bad Retry-After header")
	assert.True(t, wait > 0 && wait <= 30, "unexpected Retry-After: %d", wait)
	assert.Equal(t, float64(wait), rl.RetryAfter)
}

func TestGetOTP(t *testing.T) {
	reset()
	var (
		p = url.Values{}
		r *http.Response
	)
	p.Set("to", dummyToAddress)

	r = testRequest(t, http.MethodGet, "/api/otp/sms/"+dummyOTPID, nil, &httpResp{})
	assert.Equal(t, http.StatusNotFound, r.StatusCode, "unknown session found")

	r = testRequest(t, http.MethodPut, "/api/otp/sms/"+dummyOTPID, p, &httpResp{})
	require.Equal(t, http.StatusOK, r.StatusCode, "otp registration failed")

	var raw map[string]interface{}
	r = testRequest(t, http.MethodGet, "/api/otp/sms/"+dummyOTPID, nil, &raw)
	require.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")

	data := raw["data"].(map[string]interface{})
	assert.Equal(t, dummyOTPID, data["id"])
	assert.Equal(t, false, data["locked"])
	assert.Equal(t, false, data["expired"])
	_, hasCode := data["code"]
	assert.False(t, hasCode, "status leaked the code")

	r = testRequestAs(t, "otherapp", "othersecret", http.MethodGet, "/api/otp/sms/"+dummyOTPID, nil, &httpResp{})
	assert.Equal(t, http.StatusNotFound, r.StatusCode, "session visible across namespaces")
}

func TestSendFailure(t *testing.T) {
	reset()
	smsProv.setFail(true)

	var (
		data = &sessionResp{}
		out  = httpResp{Data: data}
		p    = url.Values{}
	)
	p.Set("to", dummyToAddress)

	r := testRequest(t, http.MethodPut, "/api/otp/sms/"+dummyOTPID, p, &out)
	assert.Equal(t, http.StatusBadGateway, r.StatusCode, "non 502 response on send failure")
	assert.Equal(t, dummyOTPID, data.ID, "session wasn't returned")

	// The session exists so that it can be resent.
	r = testRequest(t, http.MethodGet, "/api/otp/sms/"+dummyOTPID, nil, &httpResp{})
	assert.Equal(t, http.StatusOK, r.StatusCode, "session wasn't kept")
}

func TestTOTP(t *testing.T) {
	var (
		data = &secretResp{}
		out  = httpResp{Data: data}
		p    = url.Values{}
	)

	r := testRequest(t, http.MethodPost, "/api/totp/secret", p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for empty account")

	p.Set("account", "user@example.com")
	p.Set("qr", "true")
	r = testRequest(t, http.MethodPost, "/api/totp/secret", p, &out)
	require.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.Len(t, data.Secret, 26)
	assert.Equal(t, "otpauth://totp/Koppo:user@example.com?secret="+data.Secret+"&issuer=Koppo&algorithm=SHA1&digits=6&period=30", data.URI)

	png, err := base64.StdEncoding.DecodeString(data.QR)
	require.NoError(t, err, "bad QR base64")
	assert.True(t, strings.HasPrefix(string(png), "\x89PNG"), "QR isn't a PNG")

	// Verify.
	code, err := testTP.Generate(data.Secret)
	require.NoError(t, err)

	vp := url.Values{}
	vp.Set("secret", data.Secret)
	vp.Set("code", code)
	r = testRequest(t, http.MethodPost, "/api/totp/verify", vp, &httpResp{})
	assert.Equal(t, http.StatusOK, r.StatusCode, "good TOTP failed")

	vp.Set("code", wrongCode(code))
	r = testRequest(t, http.MethodPost, "/api/totp/verify", vp, &httpResp{})
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "bad TOTP passed")

	vp.Set("secret", "not base32!")
	r = testRequest(t, http.MethodPost, "/api/totp/verify", vp, &httpResp{})
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "bad secret accepted")
}

func TestBackupCodes(t *testing.T) {
	reset()
	var (
		data = &backupCodesResp{}
		out  = httpResp{Data: data}
		p    = url.Values{}
	)

	p.Set("count", "100")
	r := testRequest(t, http.MethodPut, "/api/backup-codes/"+dummyAccount, p, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for bad count")

	p.Set("count", "3")
	r = testRequest(t, http.MethodPut, "/api/backup-codes/"+dummyAccount, p, &out)
	require.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	require.Len(t, data.Codes, 3)
	codes := data.Codes

	// Consume.
	cp := url.Values{}
	cp.Set("code", strings.ToLower(codes[0]))
	data.Codes = nil
	r = testRequest(t, http.MethodPost, "/api/backup-codes/"+dummyAccount, cp, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "good backup code failed")
	assert.Equal(t, 2, data.Remaining)

	// Single use.
	r = testRequest(t, http.MethodPost, "/api/backup-codes/"+dummyAccount, cp, &httpResp{})
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "backup code reused")

	// Bad format.
	cp.Set("code", "xyz")
	r = testRequest(t, http.MethodPost, "/api/backup-codes/"+dummyAccount, cp, &httpResp{})
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "bad format accepted")

	// Another namespace's account is separate.
	cp.Set("code", codes[1])
	r = testRequestAs(t, "otherapp", "othersecret", http.MethodPost, "/api/backup-codes/"+dummyAccount, cp, &httpResp{})
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "backup code used across namespaces")

	r = testRequest(t, http.MethodGet, "/api/backup-codes/"+dummyAccount, nil, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, 2, data.Remaining)
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(1, 2)
	h := rl.limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(w, req)
		codes[i] = w.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Other IPs have their own bucket.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	rl.prune(rl.limiters["10.0.0.2"].lastSeen.Add(1))
	assert.Empty(t, rl.limiters)
}

// wrongCode returns a 6 digit code that's guaranteed to differ from c.
func wrongCode(c string) string {
	if c == "100000" {
		return "100001"
	}
	return "100000"
}

func testRequest(t *testing.T, method, path string, p url.Values, out interface{}) *http.Response {
	return testRequestAs(t, dummyNamespace, dummySecret, method, path, p, out)
}

func testRequestAs(t *testing.T, namespace, secret, method, path string, p url.Values, out interface{}) *http.Response {
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(p.Encode()))
	if err != nil {
		t.Fatal(err)
		return nil
	}
	if namespace != "" {
		req.SetBasicAuth(namespace, secret)
	}
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	// HTTP client.
	c := &http.Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
		return nil
	}
	defer resp.Body.Close()

	if err := json.Unmarshal(respBody, out); err != nil {
		t.Fatal(err)
	}

	return resp
}
