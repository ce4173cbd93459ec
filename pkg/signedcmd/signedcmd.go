// Package signedcmd authenticates commands a mothership sends to a client.
//
// A request carries four headers. The signature is
// HMAC-SHA256(secret, "<timestamp>\n<nonce>\n<site_uid>\n<hex sha256(body)>")
// encoded as "sha256=<hex>". Verification fails closed.
package signedcmd

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/config"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
)

const (
	HeaderTimestamp = "X-DBVC-Timestamp"
	HeaderNonce     = "X-DBVC-Nonce"
	HeaderSignature = "X-DBVC-Signature"
	HeaderSiteUID   = "X-DBVC-Site-UID"

	DefaultWindow = 300 * time.Second

	signaturePrefix = "sha256="
	maxBodyBytes    = 5 << 20
)

// Sign returns the signature header value for one request.
func Sign(secret, timestamp, nonce, siteUID string, body []byte) string {
	sum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + nonce + "\n" + siteUID + "\n" + hex.EncodeToString(sum[:])))
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Signer adds signed-command headers to outgoing requests.
type Signer struct {
	secret string
	clock  func() time.Time
	nonce  func() string
}

// NewSigner returns a signer using a random UUID nonce per request.
func NewSigner(secret string) *Signer {
	return &Signer{secret: secret, clock: time.Now, nonce: uuid.NewString}
}

// WithClock overrides the signing time.
func (s *Signer) WithClock(clock func() time.Time) *Signer {
	s.clock = clock
	return s
}

// SignRequest sets the headers on req for a command addressed to siteUID.
func (s *Signer) SignRequest(req *http.Request, siteUID string, body []byte) {
	ts := strconv.FormatInt(s.clock().Unix(), 10)
	nonce := s.nonce()
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSiteUID, siteUID)
	req.Header.Set(HeaderSignature, Sign(s.secret, ts, nonce, siteUID, body))
}

// Verifier checks inbound signed commands on a client.
type Verifier struct {
	secret  string
	role    string
	siteUID string
	window  time.Duration
	nonces  NonceStore
	clock   func() time.Time
	bus     *events.Bus
	logger  *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithWindow sets the accepted clock skew in either direction. Zero keeps
// DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.window = d
		}
	}
}

// WithClock overrides the verification time.
func WithClock(clock func() time.Time) Option { return func(v *Verifier) { v.clock = clock } }

// WithBus publishes a signed_command.rejected event for every failed
// verification.
func WithBus(bus *events.Bus) Option { return func(v *Verifier) { v.bus = bus } }

func WithLogger(l *slog.Logger) Option { return func(v *Verifier) { v.logger = l } }

// NewVerifier returns a verifier for a node running in role as siteUID.
// Verification fails closed: an empty secret rejects every request.
func NewVerifier(secret, role, siteUID string, nonces NonceStore, opts ...Option) *Verifier {
	v := &Verifier{
		secret:  secret,
		role:    role,
		siteUID: siteUID,
		window:  DefaultWindow,
		nonces:  nonces,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(v)
	}
	v.logger = v.logger.With("component", "signedcmd")
	return v
}

// Window returns the accepted clock skew.
func (v *Verifier) Window() time.Duration { return v.window }

// Nonces returns the replay store.
func (v *Verifier) Nonces() NonceStore { return v.nonces }

// Verify authenticates one request. The nonce is only recorded once every
// other check has passed.
func (v *Verifier) Verify(ctx context.Context, h http.Header, body []byte) error {
	err := v.verify(ctx, h, body)
	if err != nil {
		code := errcode.CodeOf(err)
		v.logger.WarnContext(ctx, "signed command rejected", "code", code, "site_uid", h.Get(HeaderSiteUID))
		v.bus.Publish(ctx, events.Event{Type: events.SignedCommandRejected, Subject: h.Get(HeaderSiteUID),
			Data: map[string]any{"code": string(code)}})
	}
	return err
}

func (v *Verifier) verify(ctx context.Context, h http.Header, body []byte) error {
	if v.secret == "" {
		return errcode.New(errcode.SecretMissing, "no shared secret is configured").
			WithHint("complete the onboarding handshake and store the issued secret")
	}
	if v.role != config.RoleClient {
		return errcode.Newf(errcode.RoleMismatch, "signed commands are only accepted in client role, this node is %q", v.role)
	}
	vals := make(map[string]string, 4)
	for _, name := range []string{HeaderTimestamp, HeaderNonce, HeaderSignature, HeaderSiteUID} {
		val := strings.TrimSpace(h.Get(name))
		if val == "" {
			return errcode.Newf(errcode.HeaderMissing, "header %s is required", name).WithDetail("header", name)
		}
		vals[name] = val
	}

	secs, err := strconv.ParseInt(vals[HeaderTimestamp], 10, 64)
	if err != nil {
		return errcode.Newf(errcode.TimestampSkew, "timestamp %q is not unix seconds", vals[HeaderTimestamp])
	}
	ts := time.Unix(secs, 0)
	now := v.clock()
	if skew := now.Sub(ts); skew > v.window || skew < -v.window {
		return errcode.Newf(errcode.TimestampSkew, "timestamp is %s away from local time", skew.Round(time.Second)).
			WithDetail("window_seconds", int64(v.window/time.Second))
	}
	if vals[HeaderSiteUID] != v.siteUID {
		return errcode.New(errcode.SiteMismatch, "command is addressed to another site")
	}

	want := Sign(v.secret, vals[HeaderTimestamp], vals[HeaderNonce], vals[HeaderSiteUID], body)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(vals[HeaderSignature]))) {
		return errcode.New(errcode.SignatureInvalid, "signature does not match")
	}

	fresh, err := v.nonces.Record(ctx, vals[HeaderNonce], ts, now)
	if err != nil {
		return errcode.Wrap(errcode.Internal, err, "record nonce")
	}
	if !fresh {
		return errcode.New(errcode.NonceReplay, "nonce was already used")
	}
	return nil
}

// Middleware verifies each request before next runs. Rejections are written
// by onError.
func (v *Verifier) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				onError(w, r, bodyError(err))
				return
			}
			_ = r.Body.Close()
			if err := v.Verify(r.Context(), r.Header, body); err != nil {
				onError(w, r, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errcode.Newf(errcode.PayloadTooLarge, "command body exceeds %d bytes", tooLarge.Limit)
	}
	return errcode.Wrap(errcode.InvalidInput, err, "command body could not be read")
}
