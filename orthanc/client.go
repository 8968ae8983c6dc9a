// Package orthanc provides a REST client for the hosting image store.
package orthanc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Temirlaaan/DICOM-viewer/internal/httputil"
)

// Default configuration values.
const (
	defaultHTTPTimeout = 30 * time.Second
	dicomContentType   = "application/dicom"
)

// Common errors.
var (
	ErrNotFound = errors.New("resource not found")
)

// Study is the store's study resource: two tag groups plus the ids of
// the series it contains.
type Study struct {
	ID                   string            `json:"ID"`
	MainDicomTags        map[string]string `json:"MainDicomTags"`
	PatientMainDicomTags map[string]string `json:"PatientMainDicomTags"`
	Series               []string          `json:"Series"`
}

// Series is the store's series resource with the ids of its instances.
type Series struct {
	ID            string            `json:"ID"`
	MainDicomTags map[string]string `json:"MainDicomTags"`
	Instances     []string          `json:"Instances"`
}

// StoreResult describes a committed instance upload.
type StoreResult struct {
	ID          string `json:"ID"`
	ParentStudy string `json:"ParentStudy"`
	Status      string `json:"Status"`
}

// Client is the injected interface the hooks use to talk back into the
// store, so handlers are testable without a live host.
type Client interface {
	GetStudy(ctx context.Context, studyID string) (*Study, error)
	GetSeries(ctx context.Context, seriesID string) (*Series, error)
	PutMetadata(ctx context.Context, instanceID string, key int, value string) error
	StoreInstance(ctx context.Context, dicom []byte) (*StoreResult, error)
	System(ctx context.Context) error
}

// Config holds the REST client configuration.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	// BearerSource supplies a bearer token per request when the store
	// sits behind the authenticating proxy. Nil means direct access.
	BearerSource func(ctx context.Context) (string, error)
	// Logger enables debug logging of outbound requests.
	Logger *zap.Logger
}

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	baseURL      string
	username     string
	password     string
	bearerSource func(ctx context.Context) (string, error)
	httpClient   *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewClient creates a REST client for the store.
func NewClient(cfg *Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPClient{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		username:     cfg.Username,
		password:     cfg.Password,
		bearerSource: cfg.BearerSource,
		httpClient:   httputil.NewLoggingClient(timeout, cfg.Logger),
	}
}

// GetStudy retrieves a study resource by its store id.
func (c *HTTPClient) GetStudy(ctx context.Context, studyID string) (*Study, error) {
	var study Study
	if err := c.getJSON(ctx, "/studies/"+studyID, &study); err != nil {
		return nil, fmt.Errorf("fetching study %s: %w", studyID, err)
	}
	return &study, nil
}

// GetSeries retrieves a series resource by its store id.
func (c *HTTPClient) GetSeries(ctx context.Context, seriesID string) (*Series, error) {
	var series Series
	if err := c.getJSON(ctx, "/series/"+seriesID, &series); err != nil {
		return nil, fmt.Errorf("fetching series %s: %w", seriesID, err)
	}
	return &series, nil
}

// PutMetadata sets a metadata value on an instance by reserved numeric
// key. The body is the opaque string value.
func (c *HTTPClient) PutMetadata(ctx context.Context, instanceID string, key int, value string) error {
	path := "/instances/" + instanceID + "/metadata/" + strconv.Itoa(key)
	req, err := c.newRequest(ctx, http.MethodPut, path, strings.NewReader(value))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("writing metadata %d on instance %s: %w", key, instanceID, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("writing metadata %d on instance %s: %w", key, instanceID, err)
	}
	return nil
}

// StoreInstance uploads one DICOM object and returns the commit result.
func (c *HTTPClient) StoreInstance(ctx context.Context, dicom []byte) (*StoreResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/instances", bytes.NewReader(dicom))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dicomContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading instance: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("uploading instance: %w", err)
	}

	var result StoreResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	return &result, nil
}

// System probes the store's system endpoint, for health checks.
func (c *HTTPClient) System(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/system", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probing system endpoint: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("probing system endpoint: %w", err)
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.bearerSource != nil {
		bearer, err := c.bearerSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
