package tado

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Quota header names attached by the service to every response.
const (
	headerQuotaLimit     = "X-RateLimit-Limit"
	headerQuotaRemaining = "X-RateLimit-Remaining"
	headerQuotaReset     = "X-RateLimit-Reset"
)

// TokenSource supplies bearer tokens. Refresh is called once after an
// authentication failure; sources without a refresh flow may return
// the same token again.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource with no refresh flow.
type StaticToken string

// Token returns the fixed token.
func (t StaticToken) Token(_ context.Context) (string, error) { return string(t), nil }

// Refresh returns the same fixed token.
func (t StaticToken) Refresh(_ context.Context) (string, error) { return string(t), nil }

// Response is the outcome of one API exchange: HTTP status, raw body
// and whatever quota headers the service attached.
type Response struct {
	StatusCode int
	Body       []byte
	Quota      *Quota
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Client talks to the Tado X cloud API for a single home. The base URL
// may point at a proxy exposing the same contract.
type Client struct {
	baseURL    string
	homeID     int
	tokens     TokenSource
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// NewClient creates a client for one home.
func NewClient(baseURL string, homeID int, tokens TokenSource, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		homeID:     homeID,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Connect verifies credentials and reachability with a single call.
func (c *Client) Connect(ctx context.Context) (*Home, *Quota, error) {
	home, quota, err := c.GetHome(ctx)
	if err != nil {
		return nil, quota, fmt.Errorf("failed to connect to tado API: %w", err)
	}
	log.Info().Str("home", home.Name).Int("home_id", c.homeID).Msg("Connected to tado API")
	return home, quota, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// HomeID returns the home this client is bound to.
func (c *Client) HomeID() int {
	return c.homeID
}

// RefreshAuth forces a token refresh. The dispatcher calls this once
// before retrying a call that failed with ErrAuthExpired.
func (c *Client) RefreshAuth(ctx context.Context) error {
	tok, err := c.tokens.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return nil
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to obtain token: %w", err)
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return tok, nil
}

func (c *Client) homePath(suffix string) string {
	return fmt.Sprintf("/homes/%d%s", c.homeID, suffix)
}

// Do performs one request. Non-2xx responses return the *Response
// alongside an *APIError so quota headers survive failures.
func (c *Client) Do(ctx context.Context, method, path string, payload any) (*Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	tok, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       raw,
		Quota:      parseQuota(resp.Header),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			Quota:      out.Quota,
		}
	}
	return out, nil
}

func parseQuota(h http.Header) *Quota {
	limitRaw := h.Get(headerQuotaLimit)
	remainingRaw := h.Get(headerQuotaRemaining)
	if limitRaw == "" || remainingRaw == "" {
		return nil
	}
	limit, err := strconv.Atoi(limitRaw)
	if err != nil {
		return nil
	}
	remaining, err := strconv.Atoi(remainingRaw)
	if err != nil {
		return nil
	}
	q := &Quota{Limit: limit, Remaining: remaining}
	if resetRaw := h.Get(headerQuotaReset); resetRaw != "" {
		if epoch, err := strconv.ParseInt(resetRaw, 10, 64); err == nil {
			q.ResetAt = time.Unix(epoch, 0)
		}
	}
	return q
}

func quotaOf(r *Response) *Quota {
	if r == nil {
		return nil
	}
	return r.Quota
}

// GetHome returns home metadata.
func (c *Client) GetHome(ctx context.Context) (*Home, *Quota, error) {
	resp, err := c.Do(ctx, http.MethodGet, c.homePath(""), nil)
	if err != nil {
		return nil, quotaOf(resp), err
	}
	var home Home
	if err := resp.Decode(&home); err != nil {
		return nil, resp.Quota, err
	}
	return &home, resp.Quota, nil
}

// GetHomeState returns the home presence state.
func (c *Client) GetHomeState(ctx context.Context) (*HomeState, *Quota, error) {
	resp, err := c.Do(ctx, http.MethodGet, c.homePath("/state"), nil)
	if err != nil {
		return nil, quotaOf(resp), err
	}
	var state HomeState
	if err := resp.Decode(&state); err != nil {
		return nil, resp.Quota, err
	}
	return &state, resp.Quota, nil
}

// GetRooms returns room metadata for the home.
func (c *Client) GetRooms(ctx context.Context) ([]Room, *Quota, error) {
	resp, err := c.Do(ctx, http.MethodGet, c.homePath("/rooms"), nil)
	if err != nil {
		return nil, quotaOf(resp), err
	}
	var rooms []Room
	if err := resp.Decode(&rooms); err != nil {
		return nil, resp.Quota, err
	}
	return rooms, resp.Quota, nil
}

// GetRoomStates returns the live state of every room in one call.
func (c *Client) GetRoomStates(ctx context.Context) ([]RoomState, *Quota, error) {
	resp, err := c.Do(ctx, http.MethodGet, c.homePath("/rooms/states"), nil)
	if err != nil {
		return nil, quotaOf(resp), err
	}
	var states []RoomState
	if err := resp.Decode(&states); err != nil {
		return nil, resp.Quota, err
	}
	return states, resp.Quota, nil
}

// GetDevices returns every device installed in the home.
func (c *Client) GetDevices(ctx context.Context) ([]Device, *Quota, error) {
	resp, err := c.Do(ctx, http.MethodGet, c.homePath("/devices"), nil)
	if err != nil {
		return nil, quotaOf(resp), err
	}
	var devices []Device
	if err := resp.Decode(&devices); err != nil {
		return nil, resp.Quota, err
	}
	return devices, resp.Quota, nil
}

// SetRoomOverlays applies manual control to any number of rooms in a
// single call. Entries with a nil overlay resume the room's schedule.
func (c *Client) SetRoomOverlays(ctx context.Context, entries []OverlayEntry) (*Quota, error) {
	payload := struct {
		Entries []OverlayEntry `json:"entries"`
	}{Entries: entries}
	resp, err := c.Do(ctx, http.MethodPost, c.homePath("/rooms/bulkOverlay"), payload)
	return quotaOf(resp), err
}

// SetAwayTemperature sets the temperature a room holds while the home
// is in AWAY mode.
func (c *Client) SetAwayTemperature(ctx context.Context, roomID int, celsius float64) (*Quota, error) {
	path := c.homePath(fmt.Sprintf("/rooms/%d/awayTemperature", roomID))
	resp, err := c.Do(ctx, http.MethodPut, path, map[string]any{"celsius": celsius})
	return quotaOf(resp), err
}

// SetOpenWindowDetection enables or disables open window detection.
func (c *Client) SetOpenWindowDetection(ctx context.Context, roomID int, enabled bool, timeout time.Duration) (*Quota, error) {
	payload := map[string]any{"enabled": enabled}
	if timeout > 0 {
		payload["timeoutInSeconds"] = int(timeout.Seconds())
	}
	path := c.homePath(fmt.Sprintf("/rooms/%d/openWindowDetection", roomID))
	resp, err := c.Do(ctx, http.MethodPut, path, payload)
	return quotaOf(resp), err
}

// SetEarlyStart enables or disables early start for a room.
func (c *Client) SetEarlyStart(ctx context.Context, roomID int, enabled bool) (*Quota, error) {
	path := c.homePath(fmt.Sprintf("/rooms/%d/earlyStart", roomID))
	resp, err := c.Do(ctx, http.MethodPut, path, map[string]any{"enabled": enabled})
	return quotaOf(resp), err
}

// SetDazzle enables or disables the dazzle display mode for a room.
func (c *Client) SetDazzle(ctx context.Context, roomID int, enabled bool) (*Quota, error) {
	path := c.homePath(fmt.Sprintf("/rooms/%d/dazzle", roomID))
	resp, err := c.Do(ctx, http.MethodPut, path, map[string]any{"enabled": enabled})
	return quotaOf(resp), err
}

// SetChildLock enables or disables a device's child lock.
func (c *Client) SetChildLock(ctx context.Context, serial string, enabled bool) (*Quota, error) {
	path := c.homePath(fmt.Sprintf("/devices/%s/childLock", serial))
	resp, err := c.Do(ctx, http.MethodPut, path, map[string]any{"childLockEnabled": enabled})
	return quotaOf(resp), err
}

// SetTemperatureOffset sets a device's measured-temperature offset.
func (c *Client) SetTemperatureOffset(ctx context.Context, serial string, celsius float64) (*Quota, error) {
	path := c.homePath(fmt.Sprintf("/devices/%s/temperatureOffset", serial))
	resp, err := c.Do(ctx, http.MethodPut, path, map[string]any{"celsius": celsius})
	return quotaOf(resp), err
}

// Identify makes a device blink its display for identification.
func (c *Client) Identify(ctx context.Context, serial string) (*Quota, error) {
	path := c.homePath(fmt.Sprintf("/devices/%s/identify", serial))
	resp, err := c.Do(ctx, http.MethodPost, path, nil)
	return quotaOf(resp), err
}

// SetPresence switches the home between HOME and AWAY.
func (c *Client) SetPresence(ctx context.Context, presence string) (*Quota, error) {
	resp, err := c.Do(ctx, http.MethodPut, c.homePath("/presence"), map[string]any{"presence": presence})
	return quotaOf(resp), err
}

// AddMeterReading records an energy meter reading, date in YYYY-MM-DD.
func (c *Client) AddMeterReading(ctx context.Context, reading int, date string) (*Quota, error) {
	payload := map[string]any{"reading": reading}
	if date != "" {
		payload["date"] = date
	}
	resp, err := c.Do(ctx, http.MethodPost, c.homePath("/meterReadings"), payload)
	return quotaOf(resp), err
}
