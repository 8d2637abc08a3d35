package inferworker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultClassifierTimeout = 30 * time.Second
	maxClassifierErrorBody   = 512
)

// ErrInvalidScore is returned when the model answers outside [0, 1].
var ErrInvalidScore = errors.New("classifier score out of range")

// Classifier scores one image; higher means more likely malignant.
type Classifier interface {
	Classify(ctx context.Context, image []byte, contentType string) (float64, error)
}

// HTTPClassifier posts the raw image to a model serving endpoint that
// answers {"score": <malignant probability>}.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

type classifierResponse struct {
	Score *float64 `json:"score"`
}

// NewHTTPClassifier validates the endpoint. A nil client gets a 30s timeout.
func NewHTTPClassifier(endpoint string, client *http.Client) (*HTTPClassifier, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("inferworker: model endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultClassifierTimeout}
	}
	return &HTTPClassifier{endpoint: trimmed, client: client}, nil
}

func (classifier *HTTPClassifier) Classify(ctx context.Context, image []byte, contentType string) (float64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, classifier.endpoint, bytes.NewReader(image))
	if err != nil {
		return 0, fmt.Errorf("build classifier request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	request.Header.Set("Content-Type", contentType)
	request.Header.Set("Accept", "application/json")

	response, err := classifier.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("call classifier: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxClassifierErrorBody))
		return 0, fmt.Errorf("classifier returned %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}
	var decoded classifierResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode classifier response: %w", err)
	}
	if decoded.Score == nil {
		return 0, fmt.Errorf("%w: score missing", ErrInvalidScore)
	}
	score := *decoded.Score
	if score < 0 || score > 1 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidScore, score)
	}
	return score, nil
}
