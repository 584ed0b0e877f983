package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/w200024212/pebbleos-sub001/internal/domain/crash"
	"github.com/w200024212/pebbleos-sub001/internal/domain/registry"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// APIError is a non-2xx response from the daemon
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("watchd: %s", http.StatusText(e.Status))
	}
	return fmt.Sprintf("watchd: %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client talks to one watchd instance
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	mu      sync.RWMutex
}

// New creates a client for baseURL. Requests time out after 10s and are
// retried on connection errors and 503s.
func New(baseURL string) *Client {
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("User-Agent", "watchctl/1.0").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() == http.StatusServiceUnavailable
		})

	return &Client{
		resty:   r,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
}

// SetTimeout configures the per-request timeout
func (c *Client) SetTimeout(d time.Duration) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resty.SetTimeout(d)
	return c
}

// SetRetry configures retry behavior
func (c *Client) SetRetry(maxRetries int, minWait, maxWait time.Duration) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resty.SetRetryCount(maxRetries).
		SetRetryWaitTime(minWait).
		SetRetryMaxWaitTime(maxWait)
	return c
}

// SetRateLimit caps requests per second; zero or less removes the cap
func (c *Client) SetRateLimit(rps float64) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rps <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

// Health reports the daemon's health document
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Status returns the state of both process slots
func (c *Client) Status(ctx context.Context) (types.Snapshot, error) {
	var snap types.Snapshot
	err := c.do(ctx, http.MethodGet, "/status", nil, &snap)
	return snap, err
}

// AppList is the /apps response
type AppList struct {
	Apps  []types.InstallEntry `json:"apps"`
	Stats registry.Stats       `json:"stats"`
}

// Apps lists installs. Nil filter fields are left to the daemon's defaults.
func (c *Client) Apps(ctx context.Context, filter registry.ListFilter) (AppList, error) {
	req := c.request(ctx)
	if filter.Watchfaces != nil {
		req.SetQueryParam("watchface", strconv.FormatBool(*filter.Watchfaces))
	}
	if filter.Workers != nil {
		req.SetQueryParam("worker", strconv.FormatBool(*filter.Workers))
	}
	if filter.IncludeHidden {
		req.SetQueryParam("hidden", "true")
	}

	var out AppList
	err := c.send(req, http.MethodGet, "/apps", nil, &out)
	return out, err
}

// App returns one install
func (c *Client) App(ctx context.Context, id types.InstallID) (types.InstallEntry, error) {
	var entry types.InstallEntry
	err := c.do(ctx, http.MethodGet, appPath(id, ""), nil, &entry)
	return entry, err
}

// Install saves a flash install and returns it with its assigned id
func (c *Client) Install(ctx context.Context, entry types.InstallEntry) (types.InstallEntry, error) {
	var out struct {
		App types.InstallEntry `json:"app"`
	}
	err := c.do(ctx, http.MethodPost, "/apps", entry, &out)
	return out.App, err
}

// Uninstall removes a flash install
func (c *Client) Uninstall(ctx context.Context, id types.InstallID) error {
	return c.do(ctx, http.MethodDelete, appPath(id, ""), nil, nil)
}

// Prioritize moves an install to the front of the app list
func (c *Client) Prioritize(ctx context.Context, id types.InstallID) error {
	return c.do(ctx, http.MethodPost, appPath(id, "/prioritize"), nil, nil)
}

// SetDefaultWatchface stores the watchface the system starts into
func (c *Client) SetDefaultWatchface(ctx context.Context, id types.InstallID) error {
	return c.do(ctx, http.MethodPut, "/watchface/default", map[string]any{"id": id}, nil)
}

// Launch queues a foreground launch
func (c *Client) Launch(ctx context.Context, id types.InstallID, req types.LaunchRequest) error {
	return c.do(ctx, http.MethodPost, appPath(id, "/launch"), req, nil)
}

// LaunchWorker queues a worker launch
func (c *Client) LaunchWorker(ctx context.Context, id types.InstallID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/workers/%d/launch", id), nil, nil)
}

// CloseApp asks the foreground app to close
func (c *Client) CloseApp(ctx context.Context, gracefully bool) error {
	return c.do(ctx, http.MethodPost, "/slots/app/close", types.CloseRequest{Gracefully: &gracefully}, nil)
}

// CloseWorker asks the worker to close
func (c *Client) CloseWorker(ctx context.Context, gracefully bool) error {
	return c.do(ctx, http.MethodPost, "/slots/worker/close", types.CloseRequest{Gracefully: &gracefully}, nil)
}

// ForceQuit replaces the foreground app with the system start app
func (c *Client) ForceQuit(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/slots/app/force-quit", nil, nil)
}

// Button delivers a button action: "press", or "hold"/"release" for back
func (c *Client) Button(ctx context.Context, button, action string) error {
	var body any
	if action != "" {
		body = map[string]string{"action": action}
	}
	return c.do(ctx, http.MethodPost, "/buttons/"+button, body, nil)
}

// SetRunLevel sets the minimum run level
func (c *Client) SetRunLevel(ctx context.Context, level types.RunLevel) error {
	return c.do(ctx, http.MethodPut, "/runlevel", types.RunLevelRequest{Level: level}, nil)
}

// Power is the daemon's power state
type Power struct {
	LowPower        bool `json:"low_power"`
	BatteryCritical bool `json:"battery_critical"`
}

// Power returns the power state
func (c *Client) Power(ctx context.Context) (Power, error) {
	var p Power
	err := c.do(ctx, http.MethodGet, "/power", nil, &p)
	return p, err
}

// SetPower updates the power flags that are non-nil
func (c *Client) SetPower(ctx context.Context, lowPower, batteryCritical *bool) error {
	body := map[string]*bool{}
	if lowPower != nil {
		body["low_power"] = lowPower
	}
	if batteryCritical != nil {
		body["battery_critical"] = batteryCritical
	}
	return c.do(ctx, http.MethodPut, "/power", body, nil)
}

// Crashes returns up to limit recent crash reports, newest first
func (c *Client) Crashes(ctx context.Context, limit int) ([]crash.Report, error) {
	req := c.request(ctx)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	var out struct {
		Crashes []crash.Report `json:"crashes"`
	}
	err := c.send(req, http.MethodGet, "/crashes", nil, &out)
	return out.Crashes, err
}

// Crash returns one crash report
func (c *Client) Crash(ctx context.Context, crashID string) (crash.Report, error) {
	var r crash.Report
	err := c.do(ctx, http.MethodGet, "/crashes/"+crashID, nil, &r)
	return r, err
}

func (c *Client) request(ctx context.Context) *resty.Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resty.R().SetContext(ctx)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.send(c.request(ctx), method, path, body, out)
}

func (c *Client) send(req *resty.Request, method, path string, body, out any) error {
	c.mu.RLock()
	limiter := c.limiter
	c.mu.RUnlock()
	if err := limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var failure struct {
		Error string `json:"error"`
	}
	req.SetError(&failure)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Message: failure.Error}
	}
	return nil
}

func appPath(id types.InstallID, suffix string) string {
	return fmt.Sprintf("/apps/%d%s", id, suffix)
}
