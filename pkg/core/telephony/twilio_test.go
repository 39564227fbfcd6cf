package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxdial/voxdial/pkg/core"
)

func TestValidateE164(t *testing.T) {
	valid := []string{"+15551234567", "+442071838750", "+8613912345678"}
	for _, n := range valid {
		if err := ValidateE164(n); err != nil {
			t.Fatalf("ValidateE164(%q) = %v, want nil", n, err)
		}
	}
	invalid := []string{"", "15551234567", "+0155512345", "+1 555 123 4567", "+1555123456789012", "call-me"}
	for _, n := range invalid {
		err := ValidateE164(n)
		var ce *core.Error
		if !errors.As(err, &ce) || ce.Type != core.ErrInvalidDestination {
			t.Fatalf("ValidateE164(%q) = %v, want invalid_destination", n, err)
		}
	}
}

func TestStreamDocument(t *testing.T) {
	doc := StreamDocument("wss://relay.example.com/twilio/media?token=abc", "")
	for _, want := range []string{"<Response>", "<Connect>", `<Stream url="wss://relay.example.com/twilio/media?token=abc">`} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document missing %q:\n%s", want, doc)
		}
	}
	if strings.Contains(doc, "<Hangup") {
		t.Fatalf("stream document must not hang up:\n%s", doc)
	}
	if strings.Contains(doc, "<Say") {
		t.Fatalf("no greeting requested:\n%s", doc)
	}

	doc = StreamDocument("wss://relay.example.com/twilio/media?token=abc", "please hold")
	if !strings.Contains(doc, ">please hold</Say>") {
		t.Fatalf("greeting missing:\n%s", doc)
	}
	if !strings.Contains(strings.Split(doc, "<Connect>")[0], "</Say>") {
		t.Fatalf("greeting must come before the stream opens:\n%s", doc)
	}
}

func TestFallbackDocument(t *testing.T) {
	doc := FallbackDocument("goodbye")
	if !strings.Contains(doc, ">goodbye</Say>") {
		t.Fatalf("missing say verb:\n%s", doc)
	}
	if !strings.Contains(doc, "<Hangup") {
		t.Fatalf("fallback must hang up:\n%s", doc)
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		AccountSID:    "AC0000",
		AuthToken:     "secret",
		BaseURL:       baseURL,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientMissingCredentials(t *testing.T) {
	_, err := NewClient(ClientConfig{AccountSID: "AC0000"})
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrConfigIncomplete {
		t.Fatalf("err = %v, want config_incomplete", err)
	}
	if !strings.Contains(ce.Message, "auth token") {
		t.Fatalf("message should name the missing field: %q", ce.Message)
	}
}

func TestDialSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC0000/Calls.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if user, pass, _ := r.BasicAuth(); user != "AC0000" || pass != "secret" {
			t.Errorf("bad basic auth %s:%s", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("To"); got != "+15551234567" {
			t.Errorf("To = %q", got)
		}
		if got := r.PostForm.Get("Url"); got != "https://relay.example.com/twilio/voice?token=abc" {
			t.Errorf("Url = %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA123","status":"queued"}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).Dial(context.Background(), DialRequest{
		To:          "+15551234567",
		From:        "+15557654321",
		CallbackURL: "https://relay.example.com/twilio/voice?token=abc",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if res.CallSID != "CA123" || res.Status != "queued" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDialInvalidDestinationShortCircuits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Dial(context.Background(), DialRequest{To: "not-a-number"})
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrInvalidDestination {
		t.Fatalf("err = %v, want invalid_destination", err)
	}
	if hits.Load() != 0 {
		t.Fatal("invalid destination must not reach the provider")
	}
}

func TestDialMapsProviderErrors(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		wantType core.ErrorType
	}{
		{"invalid to", 400, `{"code":21211,"message":"The 'To' number is not valid.","status":400}`, core.ErrInvalidDestination},
		{"auth failure", 401, `{"code":20003,"message":"Authenticate","status":401}`, core.ErrUpstreamAuth},
		{"unverified from", 400, `{"code":21210,"message":"The source number has not been verified","status":400}`, core.ErrUpstreamRejected},
		{"other rejection", 400, `{"code":21601,"message":"not SMS capable","status":400}`, core.ErrUpstreamRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Dial(context.Background(), DialRequest{
				To: "+15551234567", From: "+15557654321", CallbackURL: "https://x.example/v",
			})
			var ce *core.Error
			if !errors.As(err, &ce) || ce.Type != tc.wantType {
				t.Fatalf("err = %v, want type %s", err, tc.wantType)
			}
		})
	}
}

func TestDialRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA777","status":"queued"}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).Dial(context.Background(), DialRequest{
		To: "+15551234567", From: "+15557654321", CallbackURL: "https://x.example/v",
	})
	if err != nil {
		t.Fatalf("Dial after retries: %v", err)
	}
	if res.CallSID != "CA777" {
		t.Fatalf("result = %+v", res)
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want 3", hits.Load())
	}
}

func TestDialGivesUpAfterRetryBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Dial(context.Background(), DialRequest{
		To: "+15551234567", From: "+15557654321", CallbackURL: "https://x.example/v",
	})
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrUpstreamUnknown {
		t.Fatalf("err = %v, want upstream_unknown", err)
	}
	// initial attempt plus two retries
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want 3", hits.Load())
	}
}

func TestDialDoesNotRetryPermanentRejections(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":20003,"message":"Authenticate","status":401}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Dial(context.Background(), DialRequest{
		To: "+15551234567", From: "+15557654321", CallbackURL: "https://x.example/v",
	})
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrUpstreamAuth {
		t.Fatalf("err = %v, want upstream_auth", err)
	}
	if ce.Retryable() {
		t.Fatal("auth failures must not be retryable")
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1 (permanent rejections are not retried)", hits.Load())
	}
}
