// Package client talks to a running snowbird server over its unix socket
// or a TCP address.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"snowbird/pkg/apperr"
	"snowbird/pkg/types"

	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	http    *http.Client
	baseURL string
	logger  *zap.Logger
}

// New connects to target, which is either a socket path (optionally with a
// unix:// prefix) or an http(s) URL.
func New(target string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return &Client{
			http:    &http.Client{Timeout: defaultTimeout},
			baseURL: strings.TrimRight(target, "/"),
			logger:  logger,
		}
	}

	socket := strings.TrimPrefix(target, "unix://")
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
		MaxIdleConns:    4,
		IdleConnTimeout: 30 * time.Second,
	}
	return &Client{
		http:    &http.Client{Transport: transport},
		baseURL: "http://unix",
		logger:  logger,
	}
}

// Status is the /status payload.
type Status struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	ServiceStatus string    `json:"service_status"`
	Since         time.Time `json:"since"`
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.doJSON(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Groups(ctx context.Context) ([]types.GroupInfo, error) {
	var out struct {
		Groups []types.GroupInfo `json:"groups"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/groups", nil, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

func (c *Client) Group(ctx context.Context, groupID string) (*types.GroupInfo, error) {
	var out types.GroupInfo
	if err := c.doJSON(ctx, http.MethodGet, groupPath(groupID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string) (*types.GroupInfo, error) {
	var out struct {
		Group types.GroupInfo `json:"group"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/groups", map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	return &out.Group, nil
}

func (c *Client) Join(ctx context.Context, shareURL string) (*types.GroupInfo, error) {
	var out struct {
		Group types.GroupInfo `json:"group"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/groups/join_from_url", map[string]string{"url": shareURL}, &out); err != nil {
		return nil, err
	}
	return &out.Group, nil
}

func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	return c.doJSON(ctx, http.MethodDelete, groupPath(groupID), nil, nil)
}

func (c *Client) Refresh(ctx context.Context, groupID string) (*types.ReconciliationReport, error) {
	var out types.ReconciliationReport
	if err := c.doJSON(ctx, http.MethodPost, groupPath(groupID)+"/refresh", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Repos(ctx context.Context, groupID string) ([]types.RepoInfo, error) {
	var out struct {
		Repos []types.RepoInfo `json:"repos"`
	}
	if err := c.doJSON(ctx, http.MethodGet, groupPath(groupID)+"/repos", nil, &out); err != nil {
		return nil, err
	}
	return out.Repos, nil
}

func (c *Client) CreateRepo(ctx context.Context, groupID, name string) (*types.RepoInfo, error) {
	var out struct {
		Repo types.RepoInfo `json:"repo"`
	}
	if err := c.doJSON(ctx, http.MethodPost, groupPath(groupID)+"/repos", map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	return &out.Repo, nil
}

func (c *Client) Files(ctx context.Context, groupID, repoID string) ([]types.FileEntry, error) {
	var out struct {
		Files []types.FileEntry `json:"files"`
	}
	if err := c.doJSON(ctx, http.MethodGet, mediaPath(groupID, repoID, ""), nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// Download streams a file. The caller closes the returned reader.
func (c *Client) Download(ctx context.Context, groupID, repoID, name string) (io.ReadCloser, int64, error) {
	resp, err := c.do(ctx, http.MethodGet, mediaPath(groupID, repoID, name), nil, "")
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) Upload(ctx context.Context, groupID, repoID, name string, data []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, mediaPath(groupID, repoID, name), bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return decodeCollectionHash(resp.Body)
}

func (c *Client) DeleteFile(ctx context.Context, groupID, repoID, name string) (string, error) {
	resp, err := c.do(ctx, http.MethodDelete, mediaPath(groupID, repoID, name), nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return decodeCollectionHash(resp.Body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do sends a request and turns error responses into apperr errors of the
// kind the server reported.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "server not reachable")
	}
	c.logger.Debug("API call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}
	defer resp.Body.Close()

	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Message == "" {
		return nil, apperr.New(apperr.Internal, "%s %s: %s", method, path, resp.Status)
	}
	return nil, apperr.New(apperr.ParseKind(apiErr.Error), "%s", apiErr.Message)
}

func decodeCollectionHash(r io.Reader) (string, error) {
	var out struct {
		Hash string `json:"updated_collection_hash"`
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Hash, nil
}

func groupPath(groupID string) string {
	return "/api/groups/" + url.PathEscape(groupID)
}

func mediaPath(groupID, repoID, name string) string {
	p := groupPath(groupID) + "/repos/" + url.PathEscape(repoID) + "/media"
	if name != "" {
		p += "/" + url.PathEscape(name)
	}
	return p
}
