package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
	"github.com/tunnelmesh/sharegrid/internal/storage"
)

// Client talks to one remote storage server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client for the server at baseURL (e.g. "http://10.0.0.2:3456").
// A nil httpClient selects a pooled client with a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "rpc-client").Str("server", baseURL).Logger(),
	}
}

// NodeID asks the server for its identifier.
func (c *Client) NodeID(ctx context.Context) (string, error) {
	var resp nodeResponse
	if err := c.do(ctx, http.MethodGet, nodePath, nil, &resp); err != nil {
		return "", err
	}
	return resp.NodeID, nil
}

// SlotReadv implements mutable.StorageServer.
func (c *Client) SlotReadv(ctx context.Context, storageIndex []byte, shnums []int, readv []storage.ReadVector) (storage.ReadData, error) {
	var resp readvResponse
	path := strings.Replace(readvPath, "{si}", hashutil.B2A(storageIndex), 1)
	if err := c.do(ctx, http.MethodPost, path, readvRequest{Shnums: shnums, Readv: readv}, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		resp.Data = storage.ReadData{}
	}
	return resp.Data, nil
}

// SlotTestvAndReadvAndWritev implements mutable.StorageServer.
func (c *Client) SlotTestvAndReadvAndWritev(ctx context.Context, storageIndex []byte, secrets storage.Secrets,
	tw map[int]storage.TestAndWriteVectors, readv []storage.ReadVector) (bool, storage.ReadData, error) {
	var resp writevResponse
	path := strings.Replace(writevPath, "{si}", hashutil.B2A(storageIndex), 1)
	req := writevRequest{Secrets: secrets, TW: tw, Readv: readv}
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return false, nil, err
	}
	return resp.Applied, resp.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocolHeader, ProtocolVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := decodeError(resp)
		c.logger.Debug().Err(err).Str("path", path).Int("status", resp.StatusCode).Msg("slot request rejected")
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e errorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}

	switch resp.StatusCode {
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", storage.ErrBadWriteEnabler, msg)
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return &RemoteError{Status: resp.StatusCode, Message: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, msg)}
	}
}
