// Package remote drives clusters managed by a remote orchestrator API.
//
// The remote side exposes three JSON endpoints:
//
//	POST /launch  {"cluster_name": ..., "config": {...}}  -> result object
//	GET  /status?cluster_name=...                         -> {"status", "return_code", "message"}
//	POST /down    {"cluster_name": ...}
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/orchestra/pkg/provider"
)

// DefaultTimeout bounds a single API request.
const DefaultTimeout = 30 * time.Second

// Options are the provider-level settings of a remote provider definition.
type Options struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Provider is an HTTP client for a remote orchestrator.
type Provider struct {
	id     string
	base   *url.URL
	token  string
	client *http.Client
	logger *zap.Logger
}

// New creates a remote provider. A nil client uses one with opts.Timeout.
func New(id string, opts Options, client *http.Client, logger *zap.Logger) (*Provider, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("%w: base_url is required", provider.ErrInvalidConfig)
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base_url %q", provider.ErrInvalidConfig, opts.BaseURL)
	}
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{id: id, base: base, token: opts.Token, client: client, logger: logger}, nil
}

// Factory builds remote providers. A nil client gives each provider its own.
func Factory(client *http.Client) provider.Factory {
	return func(def provider.Definition, logger *zap.Logger) (provider.Provider, error) {
		var opts Options
		if err := provider.DecodeOptions(def.Options, &opts); err != nil {
			return nil, err
		}
		return New(def.ID, opts, client, logger)
	}
}

type launchRequest struct {
	ClusterName string         `json:"cluster_name"`
	Config      map[string]any `json:"config"`
}

type statusResponse struct {
	Status     string `json:"status"`
	ReturnCode *int   `json:"return_code"`
	Message    string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// LaunchCluster asks the remote side to bring a cluster up.
func (p *Provider) LaunchCluster(ctx context.Context, clusterName string, config map[string]any) (map[string]any, error) {
	if config == nil {
		config = map[string]any{}
	}
	var result map[string]any
	status, err := p.do(ctx, http.MethodPost, "/launch", nil, launchRequest{ClusterName: clusterName, Config: config}, &result)
	if err != nil {
		return nil, p.classify("LaunchCluster", clusterName, status, err)
	}
	if result == nil {
		result = map[string]any{}
	}
	p.logger.Info("Remote cluster launch accepted", zap.String("provider_id", p.id), zap.String("cluster", clusterName))
	return result, nil
}

// ClusterStatus reads the cluster's state from the remote side.
func (p *Provider) ClusterStatus(ctx context.Context, clusterName string) (provider.ClusterStatus, error) {
	var resp statusResponse
	q := url.Values{"cluster_name": {clusterName}}
	status, err := p.do(ctx, http.MethodGet, "/status", q, nil, &resp)
	if err != nil {
		return provider.ClusterStatus{}, p.classify("ClusterStatus", clusterName, status, err)
	}
	return provider.ClusterStatus{
		Name:       clusterName,
		State:      mapState(resp.Status),
		ReturnCode: resp.ReturnCode,
		Message:    resp.Message,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// StopCluster asks the remote side to tear the cluster down.
func (p *Provider) StopCluster(ctx context.Context, clusterName string) error {
	status, err := p.do(ctx, http.MethodPost, "/down", nil, map[string]string{"cluster_name": clusterName}, nil)
	if err != nil {
		return p.classify("StopCluster", clusterName, status, err)
	}
	return nil
}

func mapState(raw string) provider.ClusterState {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case s == "INIT" || s == "PENDING" || s == "PROVISIONING":
		return provider.ClusterPending
	case s == "UP" || s == "RUNNING":
		return provider.ClusterRunning
	case s == "SUCCEEDED" || s == "COMPLETED":
		return provider.ClusterSucceeded
	case strings.HasPrefix(s, "FAILED"):
		return provider.ClusterFailed
	case s == "CANCELLED" || s == "STOPPED" || s == "DOWN":
		return provider.ClusterStopped
	}
	return provider.ClusterUnknown
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("remote returned %d", e.code)
	}
	return fmt.Sprintf("remote returned %d: %s", e.code, e.msg)
}

func (p *Provider) classify(op, clusterName string, status int, err error) error {
	var sentinel error
	switch {
	case status == http.StatusNotFound:
		sentinel = provider.ErrClusterNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		sentinel = provider.ErrInvalidConfig
	case status == http.StatusConflict:
		sentinel = provider.ErrLaunchRejected
	case status == 0 || status >= 500:
		sentinel = provider.ErrProviderUnavailable
	}
	if sentinel != nil && !errors.Is(err, sentinel) {
		err = fmt.Errorf("%w: %v", sentinel, err)
	}
	return provider.Wrap(op, p.id, clusterName, err)
}

// do sends one request. The returned status is 0 when no response arrived.
func (p *Provider) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		_ = json.Unmarshal(raw, &e)
		return resp.StatusCode, &statusError{code: resp.StatusCode, msg: e.Error}
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
