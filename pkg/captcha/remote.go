package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RemoteConfig configures the paid solving API used when the local tier is
// unavailable or unsure.
type RemoteConfig struct {
	// URL is the solving endpoint.
	URL string `yaml:"url"`

	// UserID and APIKey authenticate against the solving service.
	UserID string `yaml:"user_id"`
	APIKey string `yaml:"api_key"`

	// Timeout bounds the solve call.
	Timeout time.Duration `yaml:"timeout"`
}

// RemoteSolver submits challenge images to a text-recognition API that
// takes base64 image data and answers with its best-guess text.
type RemoteSolver struct {
	cfg  RemoteConfig
	http *http.Client
}

// NewRemoteSolver creates a remote solver client.
func NewRemoteSolver(cfg RemoteConfig) *RemoteSolver {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RemoteSolver{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

type remoteRequest struct {
	UserID string `json:"userid"`
	APIKey string `json:"apikey"`
	Data   string `json:"data"`
}

type remoteResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  string `json:"result"`
}

// Solve submits the image and returns the service's raw text answer.
func (s *RemoteSolver) Solve(ctx context.Context, image []byte) (string, error) {
	payload, err := json.Marshal(remoteRequest{
		UserID: s.cfg.UserID,
		APIKey: s.cfg.APIKey,
		Data:   base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return "", fmt.Errorf("encoding solve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building solve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("solve request failed: %w", err)
	}
	defer resp.Body.Close()

	var body remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding solve response: %w", err)
	}
	if body.Status == "error" {
		return "", fmt.Errorf("solving service error: %s", body.Message)
	}
	if body.Result == "" {
		return "", fmt.Errorf("solving service returned no result")
	}
	return body.Result, nil
}
