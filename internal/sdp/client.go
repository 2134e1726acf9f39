// Package sdp is the service desk adapter: it shapes tool parameters
// into v3 REST calls, authenticates them, and classifies failures. All
// upstream traffic for tenants flows through Client.do, which applies
// the call budget, the API circuit, and the 401 token-replacement rule
// in one place.
package sdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sdpbridge/sdpbridge/internal/breaker"
	"github.com/sdpbridge/sdpbridge/internal/ratelimit"
	"github.com/sdpbridge/sdpbridge/internal/store"
	"github.com/sdpbridge/sdpbridge/internal/token"
)

const (
	acceptV3 = "application/vnd.manageengine.sdp.v3+json"

	// maxResponseBytes caps how much of an upstream body is read.
	maxResponseBytes = 4 << 20
)

// Client performs authenticated v3 API calls for any tenant.
type Client struct {
	http     *http.Client
	store    store.Store
	tokens   *token.Manager
	coord    ratelimit.Coordinator
	breakers *breaker.Registry
	meta     *metadataCache
}

// Deps wires a Client.
type Deps struct {
	Store       store.Store
	Tokens      *token.Manager
	Coordinator ratelimit.Coordinator
	Breakers    *breaker.Registry
}

// NewClient creates a Client with its own pooled transport.
func NewClient(d Deps) *Client {
	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		store:    d.Store,
		tokens:   d.Tokens,
		coord:    d.Coordinator,
		breakers: d.Breakers,
	}
	c.meta = newMetadataCache(c)
	return c
}

// envelope is a parsed v3 response: the verdict plus the raw body for
// entity extraction.
type envelope struct {
	Status responseStatus
	Body   json.RawMessage
}

// entity unmarshals the named top-level object from the response body.
func (e *envelope) entity(name string, v any) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Body, &m); err != nil {
		return fmt.Errorf("parsing response body: %w", err)
	}
	raw, ok := m[name]
	if !ok {
		return fmt.Errorf("response missing %q", name)
	}
	return json.Unmarshal(raw, v)
}

// do performs one API call. inputData, when non-nil, is marshalled and
// sent as the input_data parameter: in the query string for GET and
// DELETE, as an urlencoded form body otherwise.
func (c *Client) do(ctx context.Context, tenantID, method, apiPath string, inputData any) (*envelope, error) {
	rec, err := c.store.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, token.ErrNeedsReauth
		}
		return nil, fmt.Errorf("loading tenant: %w", err)
	}

	if err := c.coord.RecordCall(ctx, tenantID); err != nil {
		return nil, err
	}

	accessToken, err := c.tokens.AccessToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var input string
	if inputData != nil {
		b, err := json.Marshal(inputData)
		if err != nil {
			return nil, fmt.Errorf("marshalling input_data: %w", err)
		}
		input = string(b)
	}

	var env *envelope
	err = c.breakers.Do(tenantID, breaker.TargetAPI, func() error {
		var derr error
		env, derr = c.exec(ctx, rec, method, apiPath, input, accessToken)

		// A rejected token is replaced exactly once, through the token
		// manager's normal path. Never a direct refresh from here.
		var apiErr *Error
		if errors.As(derr, &apiErr) && apiErr.Kind == KindAuth {
			c.tokens.Invalidate(ctx, tenantID)
			fresh, terr := c.tokens.AccessToken(ctx, tenantID)
			if terr != nil {
				return terr
			}
			env, derr = c.exec(ctx, rec, method, apiPath, input, fresh)
		}
		return derr
	})
	if err != nil {
		var open *breaker.OpenError
		if errors.As(err, &open) {
			return nil, open
		}
		return nil, err
	}
	return env, nil
}

// exec sends the HTTP request once, with a single extra attempt on
// transport-level failures.
func (c *Client) exec(ctx context.Context, rec *store.Record, method, apiPath, input, accessToken string) (*envelope, error) {
	u, err := c.buildURL(rec, method, apiPath, input)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	var env *envelope

	attempt := func() error {
		var body io.Reader
		if input != "" && method != http.MethodGet && method != http.MethodDelete {
			form := url.Values{"input_data": {input}}
			body = strings.NewReader(form.Encode())
		}

		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Authorization", "Zoho-oauthtoken "+accessToken)
		req.Header.Set("Accept", acceptV3)
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}
			return &Error{Kind: KindNetwork, Message: err.Error()}
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return &Error{Kind: KindNetwork, Message: "reading response: " + err.Error()}
		}

		var rs responseStatus
		if len(raw) > 0 {
			// Non-JSON bodies (proxies, HTML error pages) fall through
			// to pure HTTP status classification.
			var probe struct {
				ResponseStatus responseStatus `json:"response_status"`
			}
			if jerr := json.Unmarshal(raw, &probe); jerr == nil {
				rs = probe.ResponseStatus
			}
		}

		if apiErr := classify(resp.StatusCode, parseRetryAfter(resp), &rs); apiErr != nil {
			log.Debug().
				Str("tenant_id", rec.Tenant.ID).
				Str("path", apiPath).
				Str("correlation_id", correlationID).
				Int("status", resp.StatusCode).
				Int("inner", apiErr.InnerCode).
				Msg("service desk call failed")
			return apiErr
		}

		env = &envelope{Status: rs, Body: raw}
		return nil
	}

	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var apiErr *Error
			return errors.As(err, &apiErr) && apiErr.Kind == KindNetwork
		}),
	).Do(attempt)
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (c *Client) buildURL(rec *store.Record, method, apiPath, input string) (string, error) {
	base := strings.TrimSuffix(rec.Tenant.BaseURL, "/")
	u, err := url.Parse(base + "/app/" + rec.Tenant.Instance + "/api/v3/" + apiPath)
	if err != nil {
		return "", fmt.Errorf("building request url: %w", err)
	}
	if input != "" && (method == http.MethodGet || method == http.MethodDelete) {
		q := u.Query()
		q.Set("input_data", input)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
