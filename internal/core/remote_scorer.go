package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image-analysis-backend/internal/core/types"
	"image/png"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteScorer delegates scoring to an HTTP inference service, for example a
// hosted CLIP model. The service receives a PNG body and answers with a JSON
// list of {"label", "score"} objects.
type RemoteScorer struct {
	client   *resty.Client
	endpoint string
	topK     int
}

type remotePrediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

func NewRemoteScorer(endpoint, apiKey string, topK int, timeout time.Duration) (*RemoteScorer, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("remote scorer requires an endpoint url")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &RemoteScorer{client: client, endpoint: endpoint, topK: topK}, nil
}

func (s *RemoteScorer) Name() string {
	return string(RemoteScorerType)
}

func (s *RemoteScorer) Score(ctx context.Context, img image.Image) ([]types.Prediction, error) {
	var body bytes.Buffer
	if err := png.Encode(&body, img); err != nil {
		return nil, fmt.Errorf("error encoding image for remote scorer: %w", err)
	}

	res, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/png").
		SetHeader("Accept", "application/json").
		SetBody(body.Bytes()).
		Post(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("error calling remote scorer: %w", err)
	}

	if !res.IsSuccess() {
		slog.Error("remote scorer returned error", "status_code", res.StatusCode(), "body", res.String())
		return nil, fmt.Errorf("remote scorer returned status %d", res.StatusCode())
	}

	var remote []remotePrediction
	if err := json.Unmarshal(res.Body(), &remote); err != nil {
		return nil, fmt.Errorf("error parsing remote scorer response: %w", err)
	}

	preds := make([]types.Prediction, 0, len(remote))
	for _, p := range remote {
		score := p.Score
		// Some services report percentages.
		if score > 1 && score <= 100 {
			score /= 100
		}
		preds = append(preds, types.Prediction{Label: p.Label, Confidence: types.ClampConfidence(score)})
	}

	return types.RankPredictions(preds, s.topK), nil
}
