package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/voxdial/voxdial/pkg/core"
)

// Dialer places outbound calls. The relay only needs this one operation, so
// handlers take the interface and tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (DialResult, error)
}

// DialRequest carries everything Twilio needs to originate a call.
type DialRequest struct {
	To          string
	From        string
	CallbackURL string // TwiML webhook, token already embedded
	StatusURL   string // optional status callback
}

// DialResult is the provider's acknowledgment of an accepted call.
type DialResult struct {
	CallSID string
	Status  string
}

// Twilio error codes we translate into our own taxonomy. Anything else is
// surfaced as a generic provider rejection.
const (
	twilioCodeInvalidTo      = 21211
	twilioCodeAuthFailure    = 20003
	twilioCodeUnverifiedFrom = 21210
)

// Client talks to the Twilio Calls REST endpoint.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpc      *http.Client

	retryAttempts uint64
	retryBackoff  time.Duration
}

// ClientConfig configures the Twilio client. AccountSID and AuthToken are
// required; the rest defaults.
type ClientConfig struct {
	AccountSID    string
	AuthToken     string
	BaseURL       string // test override
	HTTPClient    *http.Client
	RetryAttempts uint64
	RetryBackoff  time.Duration
}

func NewClient(cfg ClientConfig) (*Client, error) {
	var missing []string
	if cfg.AccountSID == "" {
		missing = append(missing, "account SID")
	}
	if cfg.AuthToken == "" {
		missing = append(missing, "auth token")
	}
	if len(missing) > 0 {
		return nil, core.NewConfigIncomplete(missing)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Client{
		accountSID:    cfg.AccountSID,
		authToken:     cfg.AuthToken,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpc:         cfg.HTTPClient,
		retryAttempts: cfg.RetryAttempts,
		retryBackoff:  cfg.RetryBackoff,
	}, nil
}

type callResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Dial creates the call. Transient provider failures (timeouts, 5xx, 429)
// are retried with constant backoff; permanent rejections return immediately.
func (c *Client) Dial(ctx context.Context, req DialRequest) (DialResult, error) {
	if err := ValidateE164(req.To); err != nil {
		return DialResult{}, err
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.CallbackURL)
	form.Set("Method", "POST")
	if req.StatusURL != "" {
		form.Set("StatusCallback", req.StatusURL)
		form.Set("StatusCallbackMethod", "POST")
		form.Set("StatusCallbackEvent", "completed")
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, c.accountSID)

	var result DialResult
	backoff := retry.WithMaxRetries(c.retryAttempts, retry.NewConstant(c.retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := c.post(ctx, endpoint, form)
		if err != nil {
			var ce *core.Error
			if errors.As(err, &ce) && ce.Retryable() {
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return DialResult{}, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) (DialResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return DialResult{}, core.NewUpstreamUnknown(err)
	}
	httpReq.SetBasicAuth(c.accountSID, c.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return DialResult{}, core.NewUpstreamUnknown(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
		var cr callResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			// The call was already accepted at this point; retrying the POST
			// would place a second one.
			return DialResult{}, fmt.Errorf("decoding call response: %w", err)
		}
		return DialResult{CallSID: cr.SID, Status: cr.Status}, nil
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return DialResult{}, core.NewUpstreamUnknown(
			fmt.Errorf("twilio returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var apiErr apiErrorBody
	_ = json.Unmarshal(body, &apiErr)
	return DialResult{}, mapTwilioError(resp.StatusCode, apiErr)
}

func mapTwilioError(status int, body apiErrorBody) *core.Error {
	switch body.Code {
	case twilioCodeInvalidTo:
		e := core.NewInvalidDestination(body.Message)
		e.Code = fmt.Sprintf("%d", body.Code)
		return e
	case twilioCodeAuthFailure:
		return core.NewUpstreamAuth("twilio rejected the account credentials")
	case twilioCodeUnverifiedFrom:
		e := core.NewUpstreamRejected(body.Message)
		e.Code = fmt.Sprintf("%d", body.Code)
		return e
	}
	if status == http.StatusUnauthorized {
		return core.NewUpstreamAuth("twilio rejected the account credentials")
	}
	msg := body.Message
	if msg == "" {
		msg = fmt.Sprintf("twilio returned status %d", status)
	}
	e := core.NewUpstreamRejected(msg)
	if body.Code != 0 {
		e.Code = fmt.Sprintf("%d", body.Code)
	}
	return e
}
