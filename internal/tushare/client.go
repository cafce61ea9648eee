// Package tushare is the typed facade over the Tushare Pro HTTP API. The
// transport speaks the wire protocol; the Fetcher layers symbol
// normalization, rate limiting, and retry around it.
package tushare

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"stocksync/internal/models"
	"stocksync/internal/retrypolicy"
)

// DefaultAPIURL is the public Tushare Pro endpoint.
const DefaultAPIURL = "https://api.tushare.pro"

// Transport executes one remote call against a named API and returns the
// tabular payload. Rows may be nil when the server sends a null data block.
type Transport interface {
	Call(ctx context.Context, apiName string, params map[string]string, fields string) (*models.Frame, error)
}

type apiRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields,omitempty"`
}

type apiData struct {
	Fields []string `json:"fields"`
	Items  [][]any  `json:"items"`
}

type apiResponse struct {
	Code int      `json:"code"`
	Msg  string   `json:"msg"`
	Data *apiData `json:"data"`
}

// Client is the resty-backed Transport.
type Client struct {
	http   *resty.Client
	token  string
	apiURL string
}

// NewClient builds the HTTP transport. An empty apiURL falls back to the
// public endpoint.
func NewClient(token, apiURL string) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	http := resty.New().
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json").
		// Transport-level retries stay off: the retry policy upstream owns
		// all repeat attempts, including their rate-limit acquisition.
		SetRetryCount(0)
	return &Client{http: http, token: token, apiURL: apiURL}
}

// Call posts one API request and decodes the {fields, items} payload.
// A null data block decodes to a frame with nil Rows so callers can tell
// "server sent nothing" apart from "zero rows".
func (c *Client) Call(ctx context.Context, apiName string, params map[string]string, fields string) (*models.Frame, error) {
	var out apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(apiRequest{APIName: apiName, Token: c.token, Params: params, Fields: fields}).
		SetResult(&out).
		Post(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", apiName, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("call %s: unexpected status %d", apiName, resp.StatusCode())
	}
	if out.Code != 0 {
		return nil, classifyAPIError(apiName, out.Code, out.Msg)
	}
	if out.Data == nil || out.Data.Items == nil {
		return &models.Frame{Columns: nil, Rows: nil}, nil
	}
	return &models.Frame{Columns: out.Data.Fields, Rows: out.Data.Items}, nil
}

// rateLimitHints are message fragments Tushare uses for per-minute quota
// rejections. Quota errors carry the window length so the caller can sleep
// out the remainder instead of guessing a backoff.
var rateLimitHints = []string{
	"每分钟最多访问", "抱歉，您每分钟", "too many requests", "超过访问频次",
}

func classifyAPIError(apiName string, code int, msg string) error {
	lower := strings.ToLower(msg)
	for _, hint := range rateLimitHints {
		if strings.Contains(lower, strings.ToLower(hint)) {
			return &retrypolicy.RateLimitError{
				Endpoint:        apiName,
				PeriodRemaining: time.Minute,
				Message:         fmt.Sprintf("%s: %s", apiName, msg),
			}
		}
	}
	return fmt.Errorf("%s: api error %d: %s", apiName, code, msg)
}
