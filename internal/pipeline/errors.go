package pipeline

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/leadsieve/leadsieve/internal/analyzer"
	"github.com/leadsieve/leadsieve/internal/crawler"
	"github.com/leadsieve/leadsieve/internal/storage"
)

// Error taxonomy. Every stage failure is filed under exactly one type.
const (
	ErrTypeCrawl   = "crawl_error"
	ErrTypeAI      = "ai_error"
	ErrTypeNetwork = "network_error"
	ErrTypeTimeout = "timeout_error"
	ErrTypeConfig  = "config_error"
	ErrTypeUnknown = "unknown_error"
)

// ClassifyError files a stage failure under the taxonomy. Cancellation is
// handled by the coordinator before classification and never reaches here
// as an error type.
func ClassifyError(err error, stage string) *storage.ErrorDetails {
	details := &storage.ErrorDetails{
		Type:    ErrTypeUnknown,
		Stage:   stage,
		Message: err.Error(),
	}

	var cfgErr *analyzer.ConfigError
	var apiErr *analyzer.APIError
	var statusErr *crawler.StatusError
	var netErr net.Error
	var urlErr *url.Error

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		details.Type = ErrTypeTimeout
		details.Retryable = true
	case errors.As(err, &cfgErr):
		details.Type = ErrTypeConfig
	case errors.As(err, &apiErr):
		details.Type = ErrTypeAI
		details.StatusCode = apiErr.Status
		details.Retryable = apiErr.Status >= 500 || apiErr.Status == 429
	case errors.As(err, &statusErr):
		details.Type = ErrTypeCrawl
		details.StatusCode = statusErr.Code
		details.Retryable = statusErr.Code >= 500
	case errors.As(err, &netErr) && netErr.Timeout():
		details.Type = ErrTypeTimeout
		details.Retryable = true
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		details.Type = ErrTypeNetwork
		details.Retryable = true
	}
	return details
}

// failedStatus maps a stage to its failure status.
func failedStatus(stage string) string {
	switch stage {
	case StageCrawl:
		return storage.StatusCrawlFailed
	case StageAnalyze:
		return storage.StatusAnalysisFailed
	case StageExtract:
		return storage.StatusInfoCrawlFailed
	}
	return storage.StatusFailed
}
