// Package session implements the provider web protocol: session
// acquisition, credential and PIN submission, and contract-list scraping.
// It satisfies renew.SessionClient. Routine protocol branches (challenge,
// 2FA, rejection) come back as tagged results; only transport failures and
// unexpected page shapes are errors.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/trace"

	"github.com/renewd/renewd/pkg/renew"
	"github.com/renewd/renewd/pkg/telemetry"
)

// Form field and subaction names of the provider's login endpoint. These
// have been stable far longer than the page markup around them.
const (
	fieldUsername    = "email"
	fieldPassword    = "password"
	fieldLanguage    = "form_selected_language"
	fieldSubmit      = "Submit"
	fieldSubaction   = "subaction"
	fieldCaptcha     = "captcha_code"
	fieldTwoFactor   = "otp_code"
	fieldOrderNo     = "ord_no"
	fieldOrderID     = "ord_id"
	fieldPinAuth     = "auth"
	fieldToken       = "token"
	fieldPrefix      = "prefix"
	fieldType        = "type"
	fieldIdent       = "ident"
	subactionLogin   = "login"
	subactionChoose  = "choose_order"
	subactionPinBox  = "show_kc2_security_password_dialog"
	subactionGetTok  = "kc2_security_password_get_token"
	subactionExtend  = "kc2_customer_contract_details_extend_contract_term"
	chooseShowDetail = "show_contract_details"
	extendPrefix     = "kc2_customer_contract_details_extend_contract_"
)

// Client drives the provider web protocol on a single run's session.
// It is not safe for concurrent use; the external scheduler guarantees at
// most one run at a time.
type Client struct {
	cfg  Config
	http *http.Client

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	// pending is the one PinRequest in flight, set by TriggerRenewalPin
	// and consumed by SubmitPin. The orchestrator never triggers twice.
	pending *renew.PinRequest
}

// Option customizes a Client.
type Option func(*Client)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer attaches a tracer; every provider call becomes a span.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a provider client with a fresh cookie jar.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Begin fetches the login surface, extracts the dynamic session identifier
// and probes how the provider carries it: a hidden form field when one is
// embedded in the page, otherwise a session cookie.
func (c *Client) Begin(ctx context.Context) (*renew.Session, error) {
	body, err := c.get(ctx, "begin", c.cfg.BaseURL+c.cfg.LoginPath)
	if err != nil {
		return nil, err
	}

	doc, err := parseHTML(body)
	if err != nil {
		return nil, renew.NewProtocolError("login surface is not parseable HTML", err).WithOp("begin")
	}

	if id, ok := c.sessionFieldValue(doc); ok {
		return &renew.Session{ID: id, Carrier: renew.CarrierFormField, IssuedAt: time.Now()}, nil
	}

	base, _ := url.Parse(c.cfg.BaseURL)
	for _, ck := range c.http.Jar.Cookies(base) {
		if strings.Contains(strings.ToLower(ck.Name), "sess") {
			return &renew.Session{ID: ck.Value, Carrier: renew.CarrierCookie, IssuedAt: time.Now()}, nil
		}
	}

	return nil, renew.NewProtocolError("session identifier not found on login surface", nil).WithOp("begin")
}

// Authenticate submits the credentials, or the captcha answer when a prior
// call returned a challenge. A reissued session identifier on the response
// page is adopted transparently.
func (c *Client) Authenticate(ctx context.Context, sess *renew.Session, creds renew.Credentials, answer string) (renew.LoginResult, error) {
	form := url.Values{}
	form.Set(fieldSubaction, subactionLogin)
	if answer == "" {
		form.Set(fieldUsername, creds.Username)
		form.Set(fieldPassword, creds.Password)
		form.Set(fieldLanguage, "en")
		form.Set(fieldSubmit, "Login")
	} else {
		form.Set(fieldCaptcha, answer)
	}
	c.addSession(form, sess)

	body, err := c.post(ctx, "authenticate", c.cfg.BaseURL+c.cfg.LoginPath, form)
	if err != nil {
		return renew.LoginResult{}, err
	}

	return c.classifyLogin(ctx, sess, body)
}

// SubmitTwoFactor submits a time-based one-time code on the held session.
func (c *Client) SubmitTwoFactor(ctx context.Context, sess *renew.Session, code string) (renew.LoginResult, error) {
	form := url.Values{}
	form.Set(fieldSubaction, subactionLogin)
	form.Set(fieldTwoFactor, code)
	c.addSession(form, sess)

	body, err := c.post(ctx, "submit_two_factor", c.cfg.BaseURL+c.cfg.LoginPath, form)
	if err != nil {
		return renew.LoginResult{}, err
	}

	res, err := c.classifyLogin(ctx, sess, body)
	if err != nil {
		return res, err
	}
	// The result set narrows here: anything but success is a rejection.
	if res.Kind != renew.LoginAuthenticated {
		res = renew.LoginResult{Kind: renew.LoginRejected}
	}
	return res, nil
}

// classifyLogin maps a login-endpoint response body onto the tagged result
// set, fetching the challenge image when a captcha is demanded.
func (c *Client) classifyLogin(ctx context.Context, sess *renew.Session, body string) (renew.LoginResult, error) {
	if doc, err := parseHTML(body); err == nil {
		if id, ok := c.sessionFieldValue(doc); ok && id != sess.ID {
			sess.ID = id
		}
	}

	for _, marker := range c.cfg.Markers.LoginSuccess {
		if strings.Contains(body, marker) {
			return renew.LoginResult{Kind: renew.LoginAuthenticated}, nil
		}
	}

	if c.cfg.Markers.CaptchaPrompt != "" && strings.Contains(body, c.cfg.Markers.CaptchaPrompt) {
		ch, err := c.fetchChallenge(ctx)
		if err != nil {
			return renew.LoginResult{}, err
		}
		return renew.LoginResult{Kind: renew.LoginChallengeRequired, Challenge: ch}, nil
	}

	if c.cfg.Markers.TwoFactorPrompt != "" && strings.Contains(body, c.cfg.Markers.TwoFactorPrompt) {
		return renew.LoginResult{Kind: renew.LoginTwoFactorRequired}, nil
	}

	return renew.LoginResult{Kind: renew.LoginRejected}, nil
}

// fetchChallenge downloads the captcha image bound to the held session.
func (c *Client) fetchChallenge(ctx context.Context) (*renew.Challenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.CaptchaImagePath, nil)
	if err != nil {
		return nil, renew.NewTransportError("building challenge image request", err).WithOp("fetch_challenge")
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.ProviderCall("fetch_challenge", err, time.Since(start))
	if err != nil {
		return nil, renew.NewTransportError("fetching challenge image", err).WithOp("fetch_challenge")
	}
	defer resp.Body.Close()

	img, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, renew.NewTransportError("reading challenge image", err).WithOp("fetch_challenge")
	}
	if len(img) == 0 {
		return nil, renew.NewProtocolError("provider served an empty challenge image", nil).WithOp("fetch_challenge")
	}

	return &renew.Challenge{
		Image:     img,
		MIME:      resp.Header.Get("Content-Type"),
		FetchedAt: time.Now(),
	}, nil
}

// ListContracts scrapes the contract list. An expired session is detected
// by response shape: the provider serves the login surface with HTTP 200.
func (c *Client) ListContracts(ctx context.Context, sess *renew.Session) ([]renew.Contract, error) {
	u := c.cfg.BaseURL + c.cfg.ContractPath
	if sess.Carrier == renew.CarrierFormField {
		u += "?" + c.cfg.Selectors.SessionField + "=" + url.QueryEscape(sess.ID)
	}

	body, err := c.get(ctx, "list_contracts", u)
	if err != nil {
		return nil, err
	}

	doc, err := parseHTML(body)
	if err != nil {
		return nil, renew.NewProtocolError("contract list is not parseable HTML", err).WithOp("list_contracts")
	}

	if doc.Find(c.cfg.Selectors.LoginForm).Length() > 0 {
		return nil, renew.NewSessionExpiredError("list_contracts")
	}

	var contracts []renew.Contract
	doc.Find(c.cfg.Selectors.ContractRows).Each(func(_ int, row *goquery.Selection) {
		id := strings.TrimSpace(row.Find(c.cfg.Selectors.ContractID).Text())
		if id == "" {
			// Header and spacer rows carry no order number.
			return
		}
		action := strings.TrimSpace(row.Find(c.cfg.Selectors.ContractAction).Text())
		contracts = append(contracts, renew.Contract{
			ID:       id,
			Plan:     normalizeSpace(row.Text()),
			Eligible: action != "" && !strings.Contains(action, c.cfg.Markers.NotYetDue),
		})
	})

	if len(contracts) == 0 {
		return nil, renew.NewProtocolError("no contract rows found on contract list", nil).WithOp("list_contracts")
	}
	return contracts, nil
}

// TriggerRenewalPin re-checks eligibility, selects the contract and opens
// the security-check dialog, which makes the provider send the PIN email.
func (c *Client) TriggerRenewalPin(ctx context.Context, sess *renew.Session, contract renew.Contract) (*renew.PinRequest, error) {
	// Provider state can change between listing and triggering.
	current, err := c.ListContracts(ctx, sess)
	if err != nil {
		return nil, err
	}
	found := false
	for _, cur := range current {
		if cur.ID == contract.ID {
			found = true
			if !cur.Eligible {
				return nil, renew.NewNotEligibleError(contract.ID).WithOp("trigger_renewal_pin")
			}
		}
	}
	if !found {
		return nil, renew.NewProtocolError(fmt.Sprintf("contract %s vanished from contract list", contract.ID), nil).WithOp("trigger_renewal_pin")
	}

	form := url.Values{}
	form.Set(fieldSubmit, "Extend contract")
	form.Set(fieldOrderNo, contract.ID)
	form.Set(fieldSubaction, subactionChoose)
	form.Set("choose_order_subaction", chooseShowDetail)
	c.addSession(form, sess)
	if _, err := c.post(ctx, "choose_order", c.cfg.BaseURL+c.cfg.LoginPath, form); err != nil {
		return nil, err
	}

	form = url.Values{}
	form.Set(fieldSubaction, subactionPinBox)
	form.Set(fieldPrefix, extendPrefix)
	form.Set(fieldType, "1")
	c.addSession(form, sess)
	if _, err := c.post(ctx, "trigger_pin", c.cfg.BaseURL+c.cfg.LoginPath, form); err != nil {
		return nil, err
	}

	c.pending = &renew.PinRequest{ContractID: contract.ID, TriggeredAt: time.Now()}
	return c.pending, nil
}

// tokenResponse is the JSON answer of the PIN-to-token exchange.
type tokenResponse struct {
	RS      string `json:"rs"`
	Message string `json:"message"`
	Token   struct {
		Value string `json:"value"`
	} `json:"token"`
}

// SubmitPin exchanges the emailed PIN for a renewal token and submits the
// final contract extension with it.
func (c *Client) SubmitPin(ctx context.Context, sess *renew.Session, pin string) (renew.SubmitResult, error) {
	if c.pending == nil {
		return renew.SubmitResult{}, renew.NewProtocolError("no PIN request in flight", nil).WithOp("submit_pin")
	}
	ordID := c.pending.ContractID
	defer func() { c.pending = nil }()

	form := url.Values{}
	form.Set(fieldPinAuth, pin)
	form.Set(fieldSubaction, subactionGetTok)
	form.Set(fieldPrefix, extendPrefix)
	form.Set(fieldType, "1")
	form.Set(fieldIdent, extendPrefix+ordID)
	c.addSession(form, sess)

	body, err := c.post(ctx, "pin_to_token", c.cfg.BaseURL+c.cfg.LoginPath, form)
	if err != nil {
		return renew.SubmitResult{}, err
	}

	var tok tokenResponse
	if jerr := json.Unmarshal([]byte(body), &tok); jerr != nil {
		// Not JSON: the provider answers the token exchange with the
		// login surface once the session dies.
		if doc, perr := parseHTML(body); perr == nil && doc.Find(c.cfg.Selectors.LoginForm).Length() > 0 {
			return renew.SubmitResult{Kind: renew.SubmitSessionExpired}, nil
		}
		return renew.SubmitResult{}, renew.NewProtocolError("token exchange returned neither JSON nor login surface", jerr).WithOp("submit_pin")
	}
	if tok.RS != "success" || tok.Token.Value == "" {
		return renew.SubmitResult{Kind: renew.SubmitPinRejected}, nil
	}

	form = url.Values{}
	form.Set(fieldOrderID, ordID)
	form.Set(fieldSubaction, subactionExtend)
	form.Set(fieldToken, tok.Token.Value)
	c.addSession(form, sess)

	body, err = c.post(ctx, "extend_contract", c.cfg.BaseURL+c.cfg.LoginPath, form)
	if err != nil {
		return renew.SubmitResult{}, err
	}

	if doc, perr := parseHTML(body); perr == nil && doc.Find(c.cfg.Selectors.LoginForm).Length() > 0 {
		return renew.SubmitResult{Kind: renew.SubmitSessionExpired}, nil
	}
	if !strings.Contains(strings.ToLower(body), strings.ToLower(c.cfg.Markers.RenewalConfirmed)) {
		return renew.SubmitResult{}, renew.NewProtocolError("confirmation page lacks the renewal marker", nil).WithOp("submit_pin")
	}
	return renew.SubmitResult{Kind: renew.SubmitConfirmed}, nil
}

// addSession attaches the session identifier the way the probed carrier
// requires. Cookie-carried sessions ride the jar automatically.
func (c *Client) addSession(form url.Values, sess *renew.Session) {
	if sess.Carrier == renew.CarrierFormField {
		form.Set(c.cfg.Selectors.SessionField, sess.ID)
	}
}

// sessionFieldValue extracts the hidden session identifier from a page.
func (c *Client) sessionFieldValue(doc *goquery.Document) (string, bool) {
	sel := fmt.Sprintf("input[name=%s]", c.cfg.Selectors.SessionField)
	val, ok := doc.Find(sel).First().Attr("value")
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

// get performs an instrumented GET and returns the body.
func (c *Client) get(ctx context.Context, op, rawURL string) (string, error) {
	return c.do(ctx, op, http.MethodGet, rawURL, nil)
}

// post performs an instrumented form POST and returns the body.
func (c *Client) post(ctx context.Context, op, rawURL string, form url.Values) (string, error) {
	return c.do(ctx, op, http.MethodPost, rawURL, form)
}

func (c *Client) do(ctx context.Context, op, method, rawURL string, form url.Values) (string, error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.StartProviderSpan(ctx, op)
		defer span.End()
	}

	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return "", renew.NewTransportError("building request", err).WithOp(op)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Origin", c.cfg.BaseURL)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.ProviderCall(op, err, time.Since(start))
	if err != nil {
		return "", renew.NewTransportError("provider request failed", err).WithOp(op)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", renew.NewTransportError(fmt.Sprintf("provider answered %s", resp.Status), nil).WithOp(op)
	}
	if resp.StatusCode >= 400 {
		return "", renew.NewProtocolError(fmt.Sprintf("provider answered %s", resp.Status), nil).WithOp(op)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", renew.NewTransportError("reading provider response", err).WithOp(op)
	}
	return string(body), nil
}

// parseHTML wraps goquery document construction.
func parseHTML(body string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(body))
}

// normalizeSpace collapses runs of whitespace to single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
