package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/wattsplit/wattsplit/internal/ingest"
	jobmetrics "github.com/wattsplit/wattsplit/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeIngest is the task type for mailbox ingestion runs.
	TaskTypeIngest = "bills:ingest"
)

// IngestPayload describes an ingestion run request.
type IngestPayload struct {
	DaysBack int `json:"days_back"`
}

// NewIngestTask constructs an Asynq task for a mailbox ingestion run.
func NewIngestTask(payload IngestPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeIngest, data, asynq.Queue(QueueDefault)), nil
}

// NewIngestHandler builds the handler processing TaskTypeIngest tasks.
func NewIngestHandler(pipeline *ingest.Pipeline, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload IngestPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}

		tracker := metrics.Track("ingest")
		result, err := pipeline.Run(ctx, payload.DaysBack)
		if errors.Is(err, ingest.ErrRunInProgress) {
			tracker.End(nil)
			logger.Info("ingest run skipped", slog.String("reason", "lock held"))
			return nil
		}
		if err != nil {
			return tracker.End(err)
		}
		tracker.End(nil)
		logger.Info("ingest run finished",
			slog.Int("created", len(result.Created)),
			slog.Int("duplicates_skipped", result.DuplicatesSkipped),
			slog.Int("extraction_failures", result.ExtractionFailures))
		return nil
	}
}
