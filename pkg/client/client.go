// Package client talks to the pastebin JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"pastebin/pkg/domain"
)

const passwordHeader = "X-Paste-Password"

type Client struct {
	base *url.URL
	http *http.Client
}

// New returns a client for the server at baseURL. A nil hc selects a client
// with a 30s timeout.
func New(baseURL string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse server url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: u, http: hc}, nil
}

type CreateRequest struct {
	Content  string `json:"content"`
	Kind     string `json:"kind,omitempty"`
	Password string `json:"password,omitempty"`
}

type Created struct {
	ShortID   string    `json:"short_id"`
	URL       string    `json:"url"`
	IsPrivate bool      `json:"is_private"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIError is a non-2xx answer decoded from the server's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// PasswordRequired reports whether err asks for a (correct) password.
func PasswordRequired(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == domain.ErrPasswordRequired.Code || apiErr.Code == domain.ErrInvalidPassword.Code
}

func (c *Client) Put(ctx context.Context, req CreateRequest) (*Created, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	var out Created
	if err := c.do(ctx, http.MethodPost, "/api/pastes", "", bytes.NewReader(body), http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
func (c *Client) Get(ctx context.Context, shortID, password string) (*domain.Paste, error) {
	var out domain.Paste
	if err := c.do(ctx, http.MethodGet, "/api/pastes/"+url.PathEscape(shortID), password, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
func (c *Client) Delete(ctx context.Context, shortID, password string) error {
	return c.do(ctx, http.MethodDelete, "/api/pastes/"+url.PathEscape(shortID), password, nil, http.StatusOK, nil)
}
func (c *Client) do(ctx context.Context, method, path, password string, body io.Reader, want int, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if password != "" {
		req.Header.Set(passwordHeader, password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var envelope domain.ErrResp
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Code == "" {
			return &APIError{Status: resp.StatusCode, Code: "UNEXPECTED_STATUS", Message: resp.Status}
		}
		return &APIError{Status: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
