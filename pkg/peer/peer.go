// Package peer is the HTTP client a node uses to reach the other side: a
// client publishing to and pulling from its mothership, or a mothership
// probing and commanding its clients. Every call is a single attempt bounded
// by the client timeout; retries belong to the caller.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/packages"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/signedcmd"
)

// Routes served by pkg/api that the client calls.
const (
	PathReceive  = "/v1/mothership/packages"
	PathLatest   = "/v1/mothership/packages/latest"
	PathAcks     = "/v1/mothership/acks"
	PathHealth   = "/health"
	PathCommands = "/v1/client/commands/"
)

const (
	hintUnreachable = "check remote.mothership_url (DBVC_MOTHERSHIP_URL) and that the remote is reachable"
	hintAuth        = "re-run onboarding or verify the stored handshake secret for this site"
	hintServer      = "the remote failed; retry later or inspect its logs"
	hintRequest     = "the remote rejected the request; see the remote error code"
	maxResponseBody = 16 << 20
)

// Client talks to one mothership. The zero BaseURL is allowed for callers
// that only ping or command arbitrary sites.
type Client struct {
	baseURL    string
	siteUID    string
	secret     string
	signer     *signedcmd.Signer
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithCredentials authenticates calls to the mothership as siteUID with the
// handshake secret.
func WithCredentials(siteUID, secret string) Option {
	return func(c *Client) { c.siteUID, c.secret = siteUID, secret }
}

// WithSigner signs commands sent to client sites.
func WithSigner(s *signedcmd.Signer) Option { return func(c *Client) { c.signer = s } }

// WithHTTPClient replaces the transport, keeping its own timeout.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// New returns a client for the node at baseURL. baseURL may be empty for a
// client that only pings or sends commands to explicit URLs.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "peer")
	return c
}

var _ packages.Remote = (*Client)(nil)

// problem is the subset of an RFC 7807 body the client reads back.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
	Hint   string `json:"hint"`
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, out any, prepare func(*http.Request)) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return errcode.Wrap(errcode.InvalidInput, err, "build remote request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if prepare != nil {
		prepare(req)
	} else if c.siteUID != "" && c.secret != "" {
		req.SetBasicAuth(c.siteUID, c.secret)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "remote unreachable", "method", method, "url", redact(rawURL), "error", err)
		return errcode.Wrap(errcode.RemoteUnreachable, err, "remote request failed").WithHint(hintUnreachable)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return errcode.Wrap(errcode.RemoteUnreachable, err, "read remote response").WithHint(hintUnreachable)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errcode.Wrap(errcode.RemoteStatus, err, "decode remote response").
				WithDetail("status", resp.StatusCode).WithHint(hintServer)
		}
	}
	return nil
}

func statusError(status int, body []byte) error {
	var p problem
	_ = json.Unmarshal(body, &p)
	msg := p.Detail
	if msg == "" {
		msg = p.Title
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	hint := p.Hint
	if hint == "" {
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			hint = hintAuth
		case status >= 500:
			hint = hintServer
		default:
			hint = hintRequest
		}
	}
	e := errcode.Newf(errcode.RemoteStatus, "remote answered %d: %s", status, msg).
		WithDetail("status", status).WithHint(hint)
	if p.Code != "" {
		e = e.WithDetail("remote_code", p.Code)
	}
	return e
}

// RemoteCode returns the error code the remote reported, if any.
func RemoteCode(err error) string {
	e, ok := errcode.As(err)
	if !ok {
		return ""
	}
	code, _ := e.Details["remote_code"].(string)
	return code
}

func (c *Client) requireBase() error {
	if c.baseURL == "" {
		return errcode.New(errcode.RemoteUnreachable, "no remote configured").WithHint(hintUnreachable)
	}
	return nil
}

// PublishPackage sends a local package to the mothership and returns the
// receipt id it issued.
func (c *Client) PublishPackage(ctx context.Context, pkg *packages.Package, raw []byte) (string, error) {
	if err := c.requireBase(); err != nil {
		return "", err
	}
	body, err := json.Marshal(packages.ReceiveRequest{
		PackageID:      pkg.PackageID,
		Name:           pkg.Name,
		Version:        pkg.Version,
		Channel:        pkg.Channel,
		SourceSite:     firstNonEmpty(pkg.SourceSite, c.siteUID),
		Manifest:       raw,
		IdempotencyKey: pkg.PackageID + ":" + pkg.ManifestHash,
	})
	if err != nil {
		return "", errcode.Wrap(errcode.Internal, err, "encode publish request")
	}
	var out packages.ReceiveResult
	if err := c.do(ctx, http.MethodPost, c.baseURL+PathReceive, body, &out, nil); err != nil {
		return "", err
	}
	return out.ReceiptID, nil
}

// FetchLatest asks the mothership for the newest package siteUID may pull on
// channel.
func (c *Client) FetchLatest(ctx context.Context, siteUID string, channel manifest.Channel) (*packages.Package, []byte, error) {
	if err := c.requireBase(); err != nil {
		return nil, nil, err
	}
	q := url.Values{}
	q.Set("channel", string(channel))
	if siteUID != "" {
		q.Set("site_uid", siteUID)
	}
	var out packages.PullResult
	if err := c.do(ctx, http.MethodGet, c.baseURL+PathLatest+"?"+q.Encode(), nil, &out, nil); err != nil {
		return nil, nil, err
	}
	return &out.Package, []byte(out.Manifest), nil
}

// SendAck reports the delivery state of a package to the mothership.
func (c *Client) SendAck(ctx context.Context, ack packages.AckRequest) error {
	if err := c.requireBase(); err != nil {
		return err
	}
	body, err := json.Marshal(ack)
	if err != nil {
		return errcode.Wrap(errcode.Internal, err, "encode ack")
	}
	return c.do(ctx, http.MethodPost, c.baseURL+PathAcks, body, nil, nil)
}

// Ping checks that the node at baseURL answers its health endpoint. An empty
// baseURL pings the configured mothership.
func (c *Client) Ping(ctx context.Context, baseURL string) error {
	if baseURL == "" {
		if err := c.requireBase(); err != nil {
			return err
		}
		baseURL = c.baseURL
	}
	// Credentials only go to the configured mothership.
	var prepare func(*http.Request)
	if strings.TrimRight(baseURL, "/") != c.baseURL {
		prepare = func(*http.Request) {}
	}
	return c.do(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+PathHealth, nil, nil, prepare)
}

// SendCommand posts a signed command to the client site at baseURL. out may
// be nil.
func (c *Client) SendCommand(ctx context.Context, baseURL, siteUID, command string, payload, out any) error {
	if c.signer == nil {
		return errcode.New(errcode.SecretMissing, "no shared secret is configured for signed commands").
			WithHint("set signing.shared_secret or DBVC_SHARED_SECRET")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errcode.Wrap(errcode.Internal, err, "encode command")
	}
	target := strings.TrimRight(baseURL, "/") + PathCommands + url.PathEscape(command)
	return c.do(ctx, http.MethodPost, target, body, out, func(req *http.Request) {
		c.signer.SignRequest(req, siteUID, body)
	})
}

// redact drops userinfo and query from a URL before logging it.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
