package splunk

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ignatij/triageflow/pkg/service"
	"github.com/pkg/errors"
)

const (
	SearchCapability   = "search"
	MetadataCapability = "metadata"

	jobsPath          = "/services/search/jobs"
	defaultTimeout    = 30 * time.Second
	defaultMaxResults = 1000
	maxErrorBody      = 4096
)

type Config struct {
	BaseURL            string
	Token              string
	Timeout            time.Duration
	MaxResults         int
	InsecureSkipVerify bool
}

// Message is a diagnostic the search API attaches to a response.
type Message struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SearchResult is the output of a oneshot search.
type SearchResult struct {
	Results  []map[string]any `json:"results"`
	Messages []Message        `json:"messages,omitempty"`
}

// Client runs oneshot search jobs against the data platform's REST API. It
// serves the "search" and "metadata" capabilities.
type Client struct {
	baseURL    *url.URL
	token      string
	maxResults int
	http       *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("splunk base url is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse splunk base url %s", cfg.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("splunk base url %s must use http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	c := &Client{
		baseURL:    u,
		token:      cfg.Token,
		maxResults: cfg.MaxResults,
		http:       &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register adds the client to catalog under every capability it serves.
func (c *Client) Register(catalog *service.Catalog) error {
	for _, name := range []string{SearchCapability, MetadataCapability} {
		if err := catalog.Register(name, c); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch runs query as a oneshot job. The "earliest" and "latest" context
// keys, when they are strings, bound the search time range.
func (c *Client) Dispatch(ctx context.Context, capability, query string, vars map[string]any) (any, error) {
	search, err := searchString(capability, query)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("search", search)
	form.Set("count", strconv.Itoa(c.maxResults))
	if v, ok := vars["earliest"].(string); ok && v != "" {
		form.Set("earliest_time", v)
	}
	if v, ok := vars["latest"].(string); ok && v != "" {
		form.Set("latest_time", v)
	}

	endpoint := *c.baseURL
	endpoint.Path += jobsPath
	endpoint.RawQuery = url.Values{"exec_mode": {"oneshot"}, "output_mode": {"json"}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "build search request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "run search")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, errors.Errorf("search failed with status %d: %s", resp.StatusCode, errorText(body))
	}

	var result SearchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "decode search response")
	}
	if result.Results == nil {
		result.Results = []map[string]any{}
	}
	for _, m := range result.Messages {
		if m.Type == "FATAL" || m.Type == "ERROR" {
			return nil, errors.Errorf("search reported %s: %s", strings.ToLower(m.Type), m.Text)
		}
	}
	return &result, nil
}

// searchString prepares the query text for the jobs endpoint. Metadata
// queries must start with a generating command.
func searchString(capability, query string) (string, error) {
	q := strings.TrimSpace(query)
	switch capability {
	case MetadataCapability:
		if !strings.HasPrefix(q, "|") {
			return "", errors.Errorf("metadata query must start with a generating command: %q", q)
		}
		return q, nil
	case SearchCapability:
		if strings.HasPrefix(q, "|") || strings.HasPrefix(strings.ToLower(q), "search ") {
			return q, nil
		}
		return "search " + q, nil
	}
	return "", errors.Errorf("capability '%s' is not served by the search client", capability)
}

func errorText(body []byte) string {
	var parsed struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Messages) > 0 {
		texts := make([]string, 0, len(parsed.Messages))
		for _, m := range parsed.Messages {
			texts = append(texts, m.Text)
		}
		return strings.Join(texts, "; ")
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return "empty response body"
}
