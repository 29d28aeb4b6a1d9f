package render

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSource fetches report data from the reporting service. The engine
// treats that service as an opaque collaborator: all it needs back is a
// tabular payload for a report id.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type tablePayload struct {
	Title   string     `json:"title"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

func (s *HTTPSource) Fetch(ctx context.Context, reportID string) (*Table, error) {
	url := fmt.Sprintf("%s/reports/%s/data", s.baseURL, reportID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch report data: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("report %s: %w", reportID, ErrUnknownReport)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("report service returned %d for %s", resp.StatusCode, reportID)
	}

	var payload tablePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode report data: %w", err)
	}
	return &Table{Title: payload.Title, Columns: payload.Columns, Rows: payload.Rows}, nil
}
