// Package netatmo is a minimal client of the Netatmo home API as used by
// Bubendorff iDiamant shutters.
package netatmo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAPIURL = "https://api.netatmo.com"

	ShutterModuleType = "NBS"
	GatewayModuleType = "NBG"
)

// Target positions understood by setstate besides 0-100.
const (
	TargetStop     = -1
	TargetHalfOpen = -2
)

var ErrNoHome = errors.New("no home found")

// APIError is a non successful API response.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("netatmo: HTTP %d", e.Status)
	}

	return fmt.Sprintf("netatmo: HTTP %d: %s (code %d)", e.Status, e.Message, e.Code)
}

func (e *APIError) temporary() bool {
	switch e.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}

	return e.Status >= 500
}

type Module struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	RoomID string `json:"room_id,omitempty"`
	Bridge string `json:"bridge,omitempty"`
}

type Home struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Modules []Module `json:"modules"`
}

// Shutters returns the shutter modules of the home.
func (h Home) Shutters() []Module {
	var shutters []Module
	for _, m := range h.Modules {
		if m.Type == ShutterModuleType {
			shutters = append(shutters, m)
		}
	}

	return shutters
}

// Gateway returns the id of the first iDiamant gateway of the home.
func (h Home) Gateway() string {
	for _, m := range h.Modules {
		if m.Type == GatewayModuleType {
			return m.ID
		}
	}
	if len(h.Modules) > 0 {
		return h.Modules[0].ID
	}

	return ""
}

type ModuleStatus struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Reachable       bool   `json:"reachable"`
	LastSeen        int64  `json:"last_seen"`
	CurrentPosition *int   `json:"current_position,omitempty"`
	Bridge          string `json:"bridge,omitempty"`
}

func (s ModuleStatus) LastSeenTime() time.Time {
	if s.LastSeen == 0 {
		return time.Time{}
	}

	return time.Unix(s.LastSeen, 0)
}

// Client talks to the API with an HTTP client that already carries the
// bearer credential. The home is selected by Discover.
type Client struct {
	http    *http.Client
	baseURL string

	// NewBackOff returns the retry policy of one request.
	NewBackOff func() backoff.BackOff

	mu       sync.RWMutex
	homeID   string
	bridgeID string
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}

	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
	}
}

// Discover reads the home topology and selects the first home.
func (c *Client) Discover(ctx context.Context) (Home, error) {
	var resp struct {
		Body struct {
			Homes []Home `json:"homes"`
		} `json:"body"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/homesdata", nil, &resp); err != nil {
		return Home{}, errors.Wrap(err, "homesdata")
	}

	if len(resp.Body.Homes) == 0 {
		return Home{}, ErrNoHome
	}

	home := resp.Body.Homes[0]

	c.mu.Lock()
	c.homeID = home.ID
	c.bridgeID = home.Gateway()
	c.mu.Unlock()

	logrus.Debugf("netatmo: home %s, bridge %s", home.ID, home.Gateway())

	return home, nil
}

func (c *Client) HomeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.homeID
}

func (c *Client) BridgeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.bridgeID
}

// HomeStatus returns the status of every module of the discovered home.
func (c *Client) HomeStatus(ctx context.Context) ([]ModuleStatus, error) {
	homeID := c.HomeID()
	if homeID == "" {
		return nil, ErrNoHome
	}

	var resp struct {
		Body struct {
			Home struct {
				Modules []ModuleStatus `json:"modules"`
			} `json:"home"`
		} `json:"body"`
	}
	path := "/api/homestatus?home_id=" + url.QueryEscape(homeID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "homestatus")
	}

	return resp.Body.Home.Modules, nil
}

type setStateModule struct {
	ID             string `json:"id"`
	TargetPosition int    `json:"target_position"`
	Bridge         string `json:"bridge,omitempty"`
}

type setStateRequest struct {
	Home struct {
		ID      string           `json:"id"`
		Modules []setStateModule `json:"modules"`
	} `json:"home"`
}

// SetTargetPosition asks a shutter module to move. Besides 0-100 the vendor
// accepts TargetStop and TargetHalfOpen.
func (c *Client) SetTargetPosition(ctx context.Context, moduleID string, target int) error {
	homeID := c.HomeID()
	if homeID == "" {
		return ErrNoHome
	}

	var req setStateRequest
	req.Home.ID = homeID
	req.Home.Modules = []setStateModule{{ID: moduleID, TargetPosition: target, Bridge: c.BridgeID()}}

	if err := c.do(ctx, http.MethodPost, "/api/setstate", req, nil); err != nil {
		return errors.Wrapf(err, "setstate %s to %d", moduleID, target)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := decodeAPIError(resp.StatusCode, payload)
			if apiErr.temporary() {
				logrus.Warnf("netatmo: %s %s: %s, retrying", method, path, apiErr)
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return backoff.Permanent(errors.Wrap(err, "decode response"))
		}

		return nil
	}

	return backoff.Retry(op, backoff.WithContext(c.NewBackOff(), ctx))
}

func decodeAPIError(status int, payload []byte) *APIError {
	var resp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if json.Unmarshal(payload, &resp) == nil {
		apiErr.Code = resp.Error.Code
		apiErr.Message = resp.Error.Message
	}

	return apiErr
}
