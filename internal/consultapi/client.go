// Package consultapi calls the consultation REST endpoints used by a call.
package consultapi

import (
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

// Client talks to the consultation API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("consultation api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("consultation api: status %d: %s", e.StatusCode, e.Message)
}

func New(baseURL, token string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log.Named("consultapi"),
	}
}

// Complete marks the consultation closed. Only the clinician may call it.
func (c *Client) Complete(ctx context.Context, consultationID string) error {
	endpoint := c.baseURL + "/api/consultations/" + url.PathEscape(consultationID) + "/complete"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("complete consultation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, &body)
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	c.log.Info("consultation completed", zap.String("consultation_id", consultationID))
	return nil
}
