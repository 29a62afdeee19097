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
)

const DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

var ErrNotConfigured = errors.New("telephony: twilio credentials not configured")

// Client controls live calls through the Twilio REST API.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	http       *http.Client
}

type ClientConfig struct {
	AccountSID string
	AuthToken  string
	// BaseURL overrides the API root; tests point it at httptest.
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrNotConfigured
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultAPIBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{accountSID: cfg.AccountSID, authToken: cfg.AuthToken, baseURL: base, http: hc}, nil
}

// CallResource is the part of Twilio's call resource callers read.
type CallResource struct {
	SID       string `json:"sid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
}

type OutboundCall struct {
	To    string
	From  string
	Twiml string
	// StatusCallback receives progress callbacks for the call.
	StatusCallback string
	Timeout        int
}

// APIError is an error body returned by Twilio.
type APIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

// StartOutboundCall places a call that runs the given TwiML when answered.
func (c *Client) StartOutboundCall(ctx context.Context, call OutboundCall) (CallResource, error) {
	if call.To == "" || call.From == "" {
		return CallResource{}, errors.New("telephony: outbound call needs to and from numbers")
	}
	data := url.Values{}
	data.Set("To", call.To)
	data.Set("From", call.From)
	data.Set("Twiml", call.Twiml)
	if call.StatusCallback != "" {
		data.Set("StatusCallback", call.StatusCallback)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			data.Add("StatusCallbackEvent", ev)
		}
	}
	if call.Timeout > 0 {
		data.Set("Timeout", fmt.Sprintf("%d", call.Timeout))
	}
	var out CallResource
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	if err := c.post(ctx, endpoint, data, &out); err != nil {
		return CallResource{}, fmt.Errorf("telephony: start outbound call: %w", err)
	}
	return out, nil
}

// EndCall hangs up a live call.
func (c *Client) EndCall(ctx context.Context, callSid string) error {
	if callSid == "" {
		return errors.New("telephony: call sid required")
	}
	data := url.Values{}
	data.Set("Status", "completed")
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(callSid))
	if err := c.post(ctx, endpoint, data, nil); err != nil {
		return fmt.Errorf("telephony: end call %s: %w", callSid, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr APIError
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Message == "" {
			return fmt.Errorf("twilio status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return &apiErr
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode twilio response: %w", err)
		}
	}
	return nil
}
