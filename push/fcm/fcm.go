package fcm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/frknbasaran/pushd/pkg/backoff"
	"github.com/frknbasaran/pushd/push"
)

const (
	// Key is the platform key for FCM-delivered Android notifications.
	Key = "a"
	// KeyHuawei is the virtual sub-platform for Huawei devices reached
	// through the same FCM credentials; its results fold into the parent.
	KeyHuawei = "h"

	// FieldProduction and FieldTest are the token-type fields a device
	// token is stored under.
	FieldProduction = "p"
	FieldTest       = "t"
)

const (
	legacyEndpoint = "https://fcm.googleapis.com/fcm/send"
	v1EndpointTpl  = "https://fcm.googleapis.com/v1/projects/%s/messages:send"
	firebaseScope  = "https://www.googleapis.com/auth/firebase.messaging"

	// blacklistedToken is the rotation marker FCM returns for tokens that
	// must be dropped instead of rotated.
	blacklistedToken = "BLACKLISTED"

	requestTimeout = 30 * time.Second
	maxBodyLog     = 512
)

// Register installs the FCM platform and its Huawei virtual sub-platform
// into the platform registry.
func Register() {
	p := push.Platform{
		Key:              Key,
		Title:            "FCM",
		Fields:           []string{FieldProduction, FieldTest},
		ParseCredentials: ParseCredentials,
		Connect:          Connect,
	}
	push.RegisterPlatform(p)
	push.RegisterPlatform(push.Platform{
		Key:              KeyHuawei,
		Title:            "Huawei over FCM",
		Parent:           Key,
		Fields:           p.Fields,
		ParseCredentials: ParseCredentials,
		Connect:          Connect,
	})
}

// conn is one live FCM connection. It is driven by a single pool worker, so
// no internal locking is needed.
type conn struct {
	creds   *Credentials
	opts    push.ConnectOptions
	client  *http.Client
	tokens  oauth2.TokenSource
	sendURL string
	proxied bool
	retries int
	wait    backoff.Strategy
	log     *slog.Logger

	templates  map[bson.ObjectID]*template
	loggedBody bool
}

// Connect validates the credentials against the provider and returns a live
// connection. Service-account bundles are exchanged for an access token here
// so that bad keys fail at connect time, not on the first batch.
func Connect(ctx context.Context, opts push.ConnectOptions) (push.Connection, error) {
	creds, ok := opts.Creds.(*Credentials)
	if !ok {
		return nil, fmt.Errorf("fcm: unexpected credentials type %T", opts.Creds)
	}

	transport := &http.Transport{}
	if opts.Proxy.Configured() {
		u := &url.URL{Scheme: "http", Host: net.JoinHostPort(opts.Proxy.Host, strconv.Itoa(opts.Proxy.Port))}
		if opts.Proxy.User != "" {
			u.User = url.UserPassword(opts.Proxy.User, opts.Proxy.Pass)
		}
		transport.Proxy = http.ProxyURL(u)
		if !opts.Proxy.Auth {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
	}

	retries := opts.Retries
	if retries < 1 {
		retries = 3
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	c := &conn{
		creds:     creds,
		opts:      opts,
		client:    &http.Client{Transport: transport, Timeout: requestTimeout},
		proxied:   opts.Proxy.Configured(),
		retries:   retries,
		wait:      backoff.Exponential{InitialInterval: time.Second, MaxInterval: 30 * time.Second, Multiplier: 2, JitterFactor: 0.1},
		log:       log,
		templates: make(map[bson.ObjectID]*template),
	}

	if creds.Legacy() {
		c.sendURL = legacyEndpoint
		return c, nil
	}

	jwtCfg, err := google.JWTConfigFromJSON(creds.ServiceAccount, firebaseScope)
	if err != nil {
		return nil, fmt.Errorf("fcm: %w: %v", ErrInvalidServiceAccount, err)
	}
	c.tokens = oauth2.ReuseTokenSource(nil, jwtCfg.TokenSource(ctx))
	if _, err := c.tokens.Token(); err != nil {
		return nil, fmt.Errorf("fcm: obtaining access token: %w", err)
	}
	c.sendURL = fmt.Sprintf(v1EndpointTpl, creds.ProjectID())
	return c, nil
}

func (c *conn) Close(ctx context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}

// Send transmits one batch sharing a single message. Per-item failures come
// out as error frames; a non-nil return is a *ConnectionError carrying the
// pushes that were never conclusively handled, after the retry budget for
// connection-class failures is spent.
func (c *conn) Send(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error {
	if len(batch) == 0 {
		return nil
	}

	m := c.opts.Messages(batch[0].Message)
	if m == nil {
		err := push.NewSendError("MessageMissing", push.CodeDataInternal)
		for _, p := range batch {
			err.AddAffected(p.ID, 0)
		}
		emit(push.NewError(err))
		return nil
	}

	tpl := c.template(m)
	payloads := make([]map[string]string, len(batch))
	total := 0
	for i, p := range batch {
		payloads[i] = tpl.compile(p)
		total += payloadBytes(payloads[i])
	}
	oneWeight := (total + len(batch) - 1) / len(batch)

	pending, pendingPayloads := batch, payloads
	for attempt := 0; ; attempt++ {
		var (
			failed  []*push.Push
			left    []map[string]string
			connErr *push.ConnectionError
		)
		if c.creds.Legacy() {
			failed, left, connErr = c.sendLegacy(ctx, pending, pendingPayloads, oneWeight, emit)
		} else {
			failed, left, connErr = c.sendV1(ctx, pending, pendingPayloads, oneWeight, emit)
		}
		if connErr == nil {
			return nil
		}
		if !connErr.Code.IsConnection() || attempt+1 >= c.retries {
			for _, p := range failed {
				connErr.AddAffected(p.ID, oneWeight)
			}
			return connErr
		}
		pending, pendingPayloads = failed, left

		timer := time.NewTimer(c.wait.NextInterval(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			for _, p := range pending {
				connErr.AddAffected(p.ID, oneWeight)
			}
			return connErr
		case <-timer.C:
		}
	}
}

func (c *conn) template(m *push.Message) *template {
	if t, ok := c.templates[m.ID]; ok {
		return t
	}
	t := newTemplate(m)
	c.templates[m.ID] = t
	return t
}

// legacyResponse is the downstream half of the legacy HTTP API.
type legacyResponse struct {
	Success      int `json:"success"`
	Failure      int `json:"failure"`
	CanonicalIDs int `json:"canonical_ids"`
	Results      []struct {
		MessageID      string `json:"message_id"`
		RegistrationID string `json:"registration_id"`
		Error          string `json:"error"`
	} `json:"results"`
}

// sendLegacy transmits the batch as one registration_ids request. The legacy
// protocol carries a single payload per request, so the whole batch shares
// the first push's compiled payload.
func (c *conn) sendLegacy(ctx context.Context, batch []*push.Push, payloads []map[string]string, oneWeight int, emit func(push.Frame)) ([]*push.Push, []map[string]string, *push.ConnectionError) {
	tokens := make([]string, len(batch))
	for i, p := range batch {
		tokens[i] = p.Token
	}
	body, err := json.Marshal(map[string]any{"registration_ids": tokens, "data": payloads[0]})
	if err != nil {
		return batch, payloads, connExc(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(body))
	if err != nil {
		return batch, payloads, connExc(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.creds.LegacyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return batch, payloads, classifyTransport(err, c.proxied)
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	if connErr := classifyStatus(resp.StatusCode, raw); connErr != nil {
		return batch, payloads, connErr
	}

	var res legacyResponse
	if err := json.Unmarshal(raw, &res); err != nil || len(res.Results) != len(batch) {
		return batch, payloads, push.NewConnectionError("BadResponse", push.CodeDataProvider).
			SetConnectionError("FCM 200", boundedBody(raw))
	}

	errs := make(map[push.ErrorKey]*push.SendError)
	var oks []push.Delivered
	for i, r := range res.Results {
		p := batch[i]
		switch {
		case r.Error == "" && r.RegistrationID == blacklistedToken:
			record(errs, "Blacklisted", push.CodeDataTokenInvalid, p.ID, oneWeight)
		case r.Error == "":
			oks = append(oks, push.Delivered{ID: p.ID, ProviderID: r.MessageID, Token: r.RegistrationID})
		case r.Error == "NotRegistered":
			record(errs, r.Error, push.CodeDataTokenExpired, p.ID, oneWeight)
		case r.Error == "InvalidRegistration" || r.Error == "MismatchSenderId" || r.Error == "InvalidPackageName":
			record(errs, r.Error, push.CodeDataTokenInvalid, p.ID, oneWeight)
		default:
			c.logBodyOnce(r.Error, raw)
			record(errs, r.Error, push.CodeDataProvider, p.ID, oneWeight)
		}
	}
	emitAccumulated(errs, oks, emit)
	return nil, nil, nil
}

// v1Error is the error envelope of the HTTP v1 API.
type v1Error struct {
	Error struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// sendV1 transmits the batch token by token over the HTTP v1 API. A
// transport-level failure aborts the loop; already classified items are
// flushed and the remainder is returned for retry.
func (c *conn) sendV1(ctx context.Context, batch []*push.Push, payloads []map[string]string, oneWeight int, emit func(push.Frame)) ([]*push.Push, []map[string]string, *push.ConnectionError) {
	tok, err := c.tokens.Token()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return batch, payloads, classifyTransport(err, c.proxied)
		}
		return batch, payloads, push.NewConnectionError("InvalidCredentials", push.CodeInvalidCredentials).
			SetConnectionError("OAUTH", err.Error())
	}

	errs := make(map[push.ErrorKey]*push.SendError)
	var oks []push.Delivered

	for i, p := range batch {
		body, err := json.Marshal(map[string]any{"message": map[string]any{"token": p.Token, "data": payloads[i]}})
		if err != nil {
			emitAccumulated(errs, oks, emit)
			return batch[i:], payloads[i:], connExc(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(body))
		if err != nil {
			emitAccumulated(errs, oks, emit)
			return batch[i:], payloads[i:], connExc(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

		resp, err := c.client.Do(req)
		if err != nil {
			emitAccumulated(errs, oks, emit)
			return batch[i:], payloads[i:], classifyTransport(err, c.proxied)
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			var ok struct {
				Name string `json:"name"`
			}
			_ = json.Unmarshal(raw, &ok)
			oks = append(oks, push.Delivered{ID: p.ID, ProviderID: ok.Name})
			continue
		}
		if resp.StatusCode == http.StatusForbidden {
			// SENDER_ID_MISMATCH arrives as 403 but condemns one token, not
			// the credentials; check details before giving up on the slot.
			name, code := classifyV1Item(raw)
			if code.IsToken() {
				record(errs, name, code, p.ID, oneWeight)
				continue
			}
			emitAccumulated(errs, oks, emit)
			return batch[i:], payloads[i:], push.NewConnectionError("InvalidCredentials", push.CodeInvalidCredentials).
				SetConnectionError("FCM 403", boundedBody(raw))
		}
		if connErr := classifyStatus(resp.StatusCode, raw); connErr != nil {
			emitAccumulated(errs, oks, emit)
			return batch[i:], payloads[i:], connErr
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			emitAccumulated(errs, oks, emit)
			return batch[i:], payloads[i:], push.NewConnectionError("QuotaExceeded", push.CodeConnectionProvider).
				SetConnectionError(fmt.Sprintf("FCM %d", resp.StatusCode), boundedBody(raw))
		}

		name, code := classifyV1Item(raw)
		if code == push.CodeDataProvider {
			c.logBodyOnce(name, raw)
		}
		record(errs, name, code, p.ID, oneWeight)
	}
	emitAccumulated(errs, oks, emit)
	return nil, nil, nil
}

// classifyV1Item maps a non-2xx per-token reply onto the error taxonomy.
func classifyV1Item(raw []byte) (string, push.Code) {
	var ve v1Error
	if err := json.Unmarshal(raw, &ve); err != nil {
		return "BadResponse", push.CodeDataProvider
	}
	code := ve.Error.Status
	for _, d := range ve.Error.Details {
		if d.ErrorCode != "" {
			code = d.ErrorCode
			break
		}
	}
	switch code {
	case "UNREGISTERED":
		return "Unregistered", push.CodeDataTokenExpired
	case "SENDER_ID_MISMATCH":
		return "MismatchSenderId", push.CodeDataTokenInvalid
	case "INVALID_ARGUMENT":
		if strings.Contains(ve.Error.Message, "registration token") {
			return "InvalidRegistration", push.CodeDataTokenInvalid
		}
		return "InvalidArgument", push.CodeDataProvider
	default:
		if code == "" {
			code = "BadResponse"
		}
		return code, push.CodeDataProvider
	}
}

// classifyStatus covers status codes whose meaning does not depend on the
// response body; nil means the caller must look closer.
func classifyStatus(status int, raw []byte) *push.ConnectionError {
	switch {
	case status >= 500:
		return push.NewConnectionError("ProviderUnavailable", push.CodeConnectionProvider).
			SetConnectionError(fmt.Sprintf("FCM %d", status), boundedBody(raw))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return push.NewConnectionError("InvalidCredentials", push.CodeInvalidCredentials).
			SetConnectionError(fmt.Sprintf("FCM %d", status), boundedBody(raw))
	}
	return nil
}

func record(errs map[push.ErrorKey]*push.SendError, name string, code push.Code, id bson.ObjectID, weight int) {
	key := push.ErrorKey{Code: code, Name: name}
	e, ok := errs[key]
	if !ok {
		e = push.NewSendError(name, code)
		errs[key] = e
	}
	e.AddAffected(id, weight)
}

func emitAccumulated(errs map[push.ErrorKey]*push.SendError, oks []push.Delivered, emit func(push.Frame)) {
	for _, e := range errs {
		emit(push.NewError(e))
	}
	if len(oks) > 0 {
		emit(push.NewResults(oks))
	}
}

func (c *conn) logBodyOnce(name string, raw []byte) {
	if c.loggedBody {
		return
	}
	c.loggedBody = true
	c.log.Warn("unrecognized provider error",
		slog.String("error", name),
		slog.String("body", boundedBody(raw)))
}

func connExc(err error) *push.ConnectionError {
	return push.NewConnectionError("Exception", push.CodeException).SetConnectionError("EXC", err.Error())
}

func boundedBody(raw []byte) string {
	if len(raw) > maxBodyLog {
		raw = raw[:maxBodyLog]
	}
	return string(raw)
}
