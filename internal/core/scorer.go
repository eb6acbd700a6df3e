package core

import (
	"context"
	"fmt"
	"image"
	"image-analysis-backend/internal/core/types"
	"time"
)

// Scorer is the opaque scoring function. It returns independent per-label
// confidences in [0,1] ordered by descending confidence.
type Scorer interface {
	Score(ctx context.Context, img image.Image) ([]types.Prediction, error)

	Name() string
}

type ScorerType string

const (
	PaletteScorerType ScorerType = "palette"
	RemoteScorerType  ScorerType = "remote"
)

const DefaultTopK = 8

type ScorerConfig struct {
	TopK      int
	RemoteURL string
	APIKey    string
	Timeout   time.Duration
}

type ScorerLoader func(cfg ScorerConfig) (Scorer, error)

func NewScorerLoaders() map[ScorerType]ScorerLoader {
	return map[ScorerType]ScorerLoader{
		PaletteScorerType: func(cfg ScorerConfig) (Scorer, error) {
			return NewPaletteScorer(cfg.TopK), nil
		},
		RemoteScorerType: func(cfg ScorerConfig) (Scorer, error) {
			return NewRemoteScorer(cfg.RemoteURL, cfg.APIKey, cfg.TopK, cfg.Timeout)
		},
	}
}

func LoadScorer(loaders map[ScorerType]ScorerLoader, scorerType string, cfg ScorerConfig) (Scorer, error) {
	loader, ok := loaders[ScorerType(scorerType)]
	if !ok {
		return nil, fmt.Errorf("unsupported scorer type '%s'", scorerType)
	}

	scorer, err := loader(cfg)
	if err != nil {
		return nil, fmt.Errorf("error loading %s scorer: %w", scorerType, err)
	}
	return scorer, nil
}
