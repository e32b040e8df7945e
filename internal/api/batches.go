package api

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vodarr/internal/history"
)

// BatchHandler handles the history endpoints.
type BatchHandler struct {
	repo *history.Repository
}

// NewBatchHandler creates a batch handler over the history repository.
func NewBatchHandler(repo *history.Repository) *BatchHandler {
	return &BatchHandler{repo: repo}
}

// BatchSummary is one recorded batch without its job records.
type BatchSummary struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Total           int       `json:"total"`
	OK              int       `json:"ok"`
	Failed          int       `json:"failed"`
	Cancelled       int       `json:"cancelled"`
	Skipped         int       `json:"skipped"`
	Interrupted     bool      `json:"interrupted"`
	Succeeded       bool      `json:"succeeded"`
	InputFolder     string    `json:"input_folder"`
	OutputFolder    string    `json:"output_folder"`
}

// JobRecordResponse is one job's recorded outcome.
type JobRecordResponse struct {
	JobID      string    `json:"job_id"`
	Name       string    `json:"name,omitempty"`
	InputPath  string    `json:"input_path,omitempty"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	StderrTail []string  `json:"stderr_tail,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`
}

// BatchDetail is a recorded batch with its job records.
type BatchDetail struct {
	BatchSummary
	Jobs []JobRecordResponse `json:"jobs"`
}

func batchSummaryFromModel(b *history.Batch) BatchSummary {
	return BatchSummary{
		ID:              b.ID.String(),
		StartedAt:       b.StartedAt,
		EndedAt:         b.EndedAt,
		DurationSeconds: b.Duration().Seconds(),
		Total:           b.Total,
		OK:              b.OK,
		Failed:          b.Failed,
		Cancelled:       b.Cancelled,
		Skipped:         b.Skipped,
		Interrupted:     b.Interrupted,
		Succeeded:       b.Succeeded(),
		InputFolder:     b.InputFolder,
		OutputFolder:    b.OutputFolder,
	}
}

func jobRecordFromModel(j *history.JobRecord) JobRecordResponse {
	return JobRecordResponse{
		JobID:      j.JobID,
		Name:       j.Name,
		InputPath:  j.InputPath,
		Status:     j.Status,
		ErrorKind:  j.ErrorKind,
		Message:    j.Message,
		ExitCode:   j.ExitCode,
		StderrTail: j.Tail(),
		StartedAt:  j.StartedAt,
		EndedAt:    j.EndedAt,
		DurationMs: j.DurationMs,
	}
}

// ListBatchesInput is the input for listing recorded batches.
type ListBatchesInput struct {
	Limit int `query:"limit" default:"20" minimum:"1" maximum:"200"`
}

// ListBatchesOutput is the output for listing recorded batches.
type ListBatchesOutput struct {
	Body struct {
		Success bool           `json:"success"`
		Data    []BatchSummary `json:"data"`
		Total   int64          `json:"total"`
	}
}

// GetBatchInput is the input for getting one recorded batch.
type GetBatchInput struct {
	ID string `path:"id" required:"true"`
}

// GetBatchOutput is the output for getting one recorded batch.
type GetBatchOutput struct {
	Body struct {
		Success bool        `json:"success"`
		Data    BatchDetail `json:"data"`
	}
}

// Register registers the history routes with the API.
func (h *BatchHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listBatches",
		Method:      "GET",
		Path:        "/api/v1/batches",
		Summary:     "List recorded batches",
		Description: "Returns the most recently started batches, newest first",
		Tags:        []string{"History"},
	}, h.ListBatches)

	huma.Register(api, huma.Operation{
		OperationID: "getBatch",
		Method:      "GET",
		Path:        "/api/v1/batches/{id}",
		Summary:     "Get batch by ID",
		Description: "Returns one recorded batch including its job records",
		Tags:        []string{"History"},
	}, h.GetBatch)
}

// ListBatches returns the most recent batches.
func (h *BatchHandler) ListBatches(ctx context.Context, input *ListBatchesInput) (*ListBatchesOutput, error) {
	batches, err := h.repo.RecentBatches(ctx, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to list batches")
	}
	total, err := h.repo.CountBatches(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to count batches")
	}

	resp := &ListBatchesOutput{}
	resp.Body.Success = true
	resp.Body.Total = total
	resp.Body.Data = make([]BatchSummary, 0, len(batches))
	for i := range batches {
		resp.Body.Data = append(resp.Body.Data, batchSummaryFromModel(&batches[i]))
	}
	return resp, nil
}

// GetBatch returns one recorded batch with its job records.
func (h *BatchHandler) GetBatch(ctx context.Context, input *GetBatchInput) (*GetBatchOutput, error) {
	id, err := history.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("Invalid batch ID")
	}

	batch, err := h.repo.GetBatch(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to fetch batch")
	}
	if batch == nil {
		return nil, huma.Error404NotFound("Batch not found")
	}

	resp := &GetBatchOutput{}
	resp.Body.Success = true
	resp.Body.Data = BatchDetail{
		BatchSummary: batchSummaryFromModel(batch),
		Jobs:         make([]JobRecordResponse, 0, len(batch.Jobs)),
	}
	for i := range batch.Jobs {
		resp.Body.Data.Jobs = append(resp.Body.Data.Jobs, jobRecordFromModel(&batch.Jobs[i]))
	}
	return resp, nil
}
