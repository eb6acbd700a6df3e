package api

import (
	"image-analysis-backend/internal/core/types"
	"image-analysis-backend/internal/store"
	"image-analysis-backend/pkg/api"
)

func convertPredictions(ps []types.Prediction) []api.Prediction {
	preds := make([]api.Prediction, 0, len(ps))
	for _, p := range ps {
		preds = append(preds, api.Prediction{Label: p.Label, Confidence: p.Confidence})
	}
	return preds
}

func convertStatus(r *store.Request) api.StatusResponse {
	return api.StatusResponse{
		RequestId:       r.RequestId,
		Status:          string(r.Status),
		ResultAvailable: r.Status.Terminal(),
		SubmittedAt:     r.SubmittedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
}

func convertResult(r *store.Request, res *store.Result) api.ResultResponse {
	result := api.ResultResponse{
		RequestId:             r.RequestId,
		Status:                string(r.Status),
		Filename:              r.Filename,
		Predictions:           convertPredictions(res.Predictions),
		Error:                 res.Error,
		Model:                 res.Model,
		ProcessingTimeSeconds: res.ProcessingTime.Seconds(),
		CompletedAt:           res.CompletedAt,
	}

	if len(result.Predictions) > 0 {
		top := result.Predictions[0]
		result.TopPrediction = &top
	}

	if res.ImageWidth > 0 && res.ImageHeight > 0 {
		result.ImageDimensions = &api.ImageDimensions{Width: res.ImageWidth, Height: res.ImageHeight}
	}

	return result
}

func convertStats(s store.Stats, activeSessions int) api.StatsResponse {
	finished := s.Completed + s.Failed
	return api.StatsResponse{
		TotalRequests:      s.Total,
		SubmittedRequests:  s.Submitted,
		ProcessingRequests: s.Processing,
		CompletedRequests:  s.Completed,
		FailedRequests:     s.Failed,
		CompletionRate:     float64(finished) / float64(max(s.Total, 1)) * 100,
		ActivePushSessions: activeSessions,
	}
}

func convertRequestSummaries(rs []store.Request) []api.RequestSummary {
	summaries := make([]api.RequestSummary, 0, len(rs))
	for _, r := range rs {
		summaries = append(summaries, api.RequestSummary{
			RequestId:   r.RequestId,
			UserId:      r.UserId,
			Filename:    r.Filename,
			Status:      string(r.Status),
			SubmittedAt: r.SubmittedAt,
			CompletedAt: r.CompletedAt,
		})
	}
	return summaries
}
