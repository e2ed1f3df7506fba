package executor

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

	"go.uber.org/zap"
)

// maxErrorBody bounds how much of a failed response body is kept in errors
const maxErrorBody = 4096

// HTTPConfig configures the ClickHouse HTTP executor.
type HTTPConfig struct {
	// Endpoint of the ClickHouse HTTP interface, e.g. http://localhost:8123/
	Endpoint string

	User     string
	Password string
	Database string

	// Timeout for a single request (0 = no timeout)
	Timeout time.Duration
}

// HTTPExecutor runs queries through the ClickHouse HTTP interface
// (clickhouse-server, clickhouse-local in server mode, or a chDB shim).
type HTTPExecutor struct {
	endpoint *url.URL
	cfg      HTTPConfig
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTP creates an HTTP executor.
func NewHTTP(cfg HTTPConfig, logger *zap.Logger) (*HTTPExecutor, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("executor endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid executor endpoint: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExecutor{
		endpoint: u,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}, nil
}

// jsonResponse is the body of a FORMAT JSON answer
type jsonResponse struct {
	Meta []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"meta"`
	Data []json.RawMessage `json:"data"`
}

// Execute sends the query and decodes the JSON answer into columns and rows.
func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	query := strings.TrimSpace(req.Query)
	query = strings.TrimSuffix(query, ";")
	if query == "" {
		return nil, fmt.Errorf("query is empty")
	}
	if len(req.Params) > 0 {
		// The engine's HTTP interface has no positional parameters.
		e.logger.Warn("Query parameters were provided but are not supported; ignoring",
			zap.Int("params", len(req.Params)))
	}

	u := *e.endpoint
	q := u.Query()
	q.Set("default_format", "JSON")
	q.Set("output_format_json_quote_64bit_integers", "0")
	if e.cfg.Database != "" {
		q.Set("database", e.cfg.Database)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBufferString(query))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if e.cfg.User != "" {
		httpReq.Header.Set("X-ClickHouse-User", e.cfg.User)
		httpReq.Header.Set("X-ClickHouse-Key", e.cfg.Password)
	}

	e.logger.Debug("Executing SQL", zap.String("query", truncate(query, 500)))

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RequestError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return decodeJSON(resp.Body)
}

// decodeJSON converts a FORMAT JSON body into a Result. Rows may be objects
// (FORMAT JSON) or arrays (FORMAT JSONCompact).
func decodeJSON(r io.Reader) (*Result, error) {
	var parsed jsonResponse
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		if err == io.EOF {
			return &Result{Columns: []string{}, Rows: [][]any{}}, nil
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	result := &Result{
		Columns: make([]string, 0, len(parsed.Meta)),
		Rows:    make([][]any, 0, len(parsed.Data)),
	}
	for _, m := range parsed.Meta {
		result.Columns = append(result.Columns, m.Name)
	}

	for _, raw := range parsed.Data {
		row, err := decodeRow(raw, result.Columns)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

func decodeRow(raw json.RawMessage, columns []string) ([]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var row []any
		if err := unmarshalNumber(trimmed, &row); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		return row, nil
	}

	var obj map[string]any
	if err := unmarshalNumber(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	row := make([]any, len(columns))
	for i, c := range columns {
		row[i] = obj[c]
	}
	return row, nil
}

func unmarshalNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
