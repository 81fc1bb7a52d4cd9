package token

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader is the request header carrying the carrier's webhook
// signature.
const SignatureHeader = "X-Twilio-Signature"

var (
	// ErrMissingSignature is returned when the signature header is absent.
	ErrMissingSignature = fmt.Errorf("%w: missing webhook signature", ErrRejected)

	// ErrInvalidSignature is returned when the signature does not match.
	ErrInvalidSignature = fmt.Errorf("%w: invalid webhook signature", ErrRejected)
)

// WebhookValidator authenticates inbound carrier webhooks. It is the trust
// boundary for who may start a call.
type WebhookValidator struct {
	authToken []byte
	baseURL   string
}

// NewWebhookValidator returns a validator for webhooks signed with authToken
// and delivered to URLs under publicBaseURL (scheme and host as the carrier
// sees them, e.g. "https://calls.example.com").
func NewWebhookValidator(authToken, publicBaseURL string) (*WebhookValidator, error) {
	if authToken == "" {
		return nil, errors.New("token: webhook auth token must not be empty")
	}
	u, err := url.Parse(publicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("token: invalid public base URL %q", publicBaseURL)
	}
	return &WebhookValidator{
		authToken: []byte(authToken),
		baseURL:   strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// Signature computes the carrier signature for a request to fullURL with the
// given form body: base64(HMAC-SHA1(token, url + k1 + v1 + k2 + v2 ...)) with
// keys sorted.
func (v *WebhookValidator) Signature(fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, val := range form[k] {
			b.WriteString(k)
			b.WriteString(val)
		}
	}

	m := hmac.New(sha1.New, v.authToken)
	m.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(m.Sum(nil))
}

// Validate checks the signature of r. It parses r's form as a side effect, so
// handlers can read r.PostForm afterwards.
func (v *WebhookValidator) Validate(r *http.Request) error {
	got := r.Header.Get(SignatureHeader)
	if got == "" {
		return ErrMissingSignature
	}
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	want := v.Signature(v.baseURL+r.URL.RequestURI(), r.PostForm)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return ErrInvalidSignature
	}
	return nil
}
