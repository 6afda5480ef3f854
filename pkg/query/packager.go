package query

import (
	"math"
	"time"

	"github.com/entrhq/geoprobe/pkg/browser"
	"github.com/entrhq/geoprobe/pkg/extract"
	"github.com/entrhq/geoprobe/pkg/types"
)

// durationSeconds converts elapsed to seconds with millisecond precision,
// never negative.
func durationSeconds(elapsed time.Duration) float64 {
	if elapsed < 0 {
		return 0
	}
	return math.Round(elapsed.Seconds()*1000) / 1000
}

// packageSuccess builds the result for a completed extraction.
func packageSuccess(req types.QueryRequest, elapsed time.Duration, countryCode string, ext *extract.Extraction) types.QueryResult {
	return types.QueryResult{
		Success:         true,
		Prompt:          req.Prompt,
		TaskID:          req.TaskID,
		DurationSeconds: durationSeconds(elapsed),
		CountryCode:     countryCode,
		Answer:          ext.Answer,
		Citations:       nonNil(ext.Citations),
		LinksAttached:   nonNil(ext.Links),
		Products:        nonNil(ext.Products),
	}
}

// packageFailure builds the result for a failed run.
func packageFailure(req types.QueryRequest, elapsed time.Duration, err error) types.QueryResult {
	return types.QueryResult{
		Success:         false,
		Prompt:          req.Prompt,
		TaskID:          req.TaskID,
		DurationSeconds: durationSeconds(elapsed),
		ErrorReason:     browser.Redact(Reason(err)),
		ErrorStage:      StageOf(err),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
