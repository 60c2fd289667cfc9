// Package worker provides the background bulk-recompute job pool.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dealbrain/valuation/internal/domain"
	"github.com/dealbrain/valuation/internal/tracing"
)

var tracer = tracing.Tracer("github.com/dealbrain/valuation/internal/worker")

// Recomputer is the subset of the Coordinator (C6) the worker pool drives.
type Recomputer interface {
	RecomputeListing(ctx context.Context, listingID int64) (domain.Breakdown, error)
}

// Worker processes bulk recompute jobs asynchronously from the EventBus.
type Worker struct {
	bus   domain.EventBus
	repo  domain.Repository
	coord Recomputer
	cfg   Config
	queue *ScopeQueue

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker pool configuration.
type Config struct {
	// BatchSize is the number of listings recomputed before progress is
	// checkpointed and the next batch starts.
	BatchSize int

	// WorkerCount is the number of concurrent recomputations per batch.
	WorkerCount int
}

// NewWorker creates a new background recompute worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, coord Recomputer, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:   bus,
		repo:  repo,
		coord: coord,
		cfg:   cfg,
		queue: NewScopeQueue(),
		ctx:   ctx,
		cancel: cancel,
	}
}

// RecomputeRequest is the message payload published to
// domain.TopicRecomputeRequested.
type RecomputeRequest struct {
	JobID      string                `json:"jobId"`
	Scope      domain.RecomputeScope `json:"scope"`
	ListingIDs []int64               `json:"listingIds"`
}

// RecomputeResult is the message payload published to
// domain.TopicRecomputeResult once a job finishes.
type RecomputeResult struct {
	JobID     string                `json:"jobId"`
	Scope     domain.RecomputeScope `json:"scope"`
	Status    domain.JobStatus      `json:"status"`
	Total     int                   `json:"total"`
	Processed int                   `json:"processed"`
	Failed    int                   `json:"failed"`
}

// Start subscribes to the recompute-requested topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicRecomputeRequested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribing to recompute topic: %w", err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("recompute worker started",
		"batch_size", w.cfg.BatchSize,
		"worker_count", w.cfg.WorkerCount,
	)
	return nil
}

// Enqueue coalesces a scope into the pending queue and, if it was not
// already pending, publishes a recompute request for it (§9 scope merge
// queue). ids is the resolved listing set for scope at enqueue time.
func (w *Worker) Enqueue(ctx context.Context, jobID string, scope domain.RecomputeScope, ids []int64) error {
	if !w.queue.Enqueue(scope) {
		slog.Info("scope already pending, coalesced", "scope", scope)
		return nil
	}

	req := RecomputeRequest{JobID: jobID, Scope: scope, ListingIDs: ids}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling recompute request: %w", err)
	}

	return w.bus.Publish(ctx, domain.TopicRecomputeRequested, payload)
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req RecomputeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse recompute request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.processJob(w.ctx, req)
	}()
	return nil
}

// processJob recomputes every listing in req in fixed-size batches with
// bounded concurrency per batch (§4.6, supplemented preview-parallelism
// pattern). A per-listing failure is recorded on the listing and on the
// job's failed counter; it never aborts the remaining batch.
func (w *Worker) processJob(ctx context.Context, req RecomputeRequest) {
	ctx, span := tracing.StartSpan(ctx, tracer, "worker.process_job")
	defer span.End()

	start := time.Now()

	w.queue.Remove(req.Scope)

	var processed, failed int
	var mu sync.Mutex

	for i := 0; i < len(req.ListingIDs); i += w.cfg.BatchSize {
		end := i + w.cfg.BatchSize
		if end > len(req.ListingIDs) {
			end = len(req.ListingIDs)
		}
		batch := req.ListingIDs[i:end]

		batchCtx, batchSpan := tracing.StartSpan(ctx, tracer, "worker.process_batch")

		sem := make(chan struct{}, w.cfg.WorkerCount)
		var wg sync.WaitGroup

		for _, listingID := range batch {
			wg.Add(1)
			sem <- struct{}{}
			go func(id int64) {
				defer wg.Done()
				defer func() { <-sem }()

				err := w.recomputeOne(batchCtx, id)

				mu.Lock()
				if err != nil {
					failed++
				} else {
					processed++
				}
				snapProcessed, snapFailed := processed, failed
				mu.Unlock()

				if uerr := w.repo.UpdateJobProgress(batchCtx, req.JobID, snapProcessed, snapFailed); uerr != nil {
					slog.Error("failed to update job progress", "job_id", req.JobID, "error", uerr)
				}
			}(listingID)
		}
		wg.Wait() // batch boundary: checkpoint before starting the next batch
		batchSpan.End()
	}

	status := domain.JobCompleted
	if failed > 0 && processed == 0 && len(req.ListingIDs) > 0 {
		status = domain.JobFailed
	}

	if err := w.repo.CompleteJob(ctx, req.JobID, status); err != nil {
		slog.Error("failed to complete job", "job_id", req.JobID, "error", err)
	}

	result := RecomputeResult{
		JobID:     req.JobID,
		Scope:     req.Scope,
		Status:    status,
		Total:     len(req.ListingIDs),
		Processed: processed,
		Failed:    failed,
	}
	payload, _ := json.Marshal(result)
	if err := w.bus.Publish(ctx, domain.TopicRecomputeResult, payload); err != nil {
		slog.Error("failed to publish recompute result", "job_id", req.JobID, "error", err)
	}

	slog.Info("recompute job finished",
		"job_id", req.JobID,
		"total", len(req.ListingIDs),
		"processed", processed,
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// recomputeOne recomputes a single listing, recording a failure on the
// listing's last_valuation_error field rather than propagating it so one
// bad listing doesn't stall the batch.
func (w *Worker) recomputeOne(ctx context.Context, listingID int64) error {
	_, err := w.coord.RecomputeListing(ctx, listingID)
	if err == nil {
		return nil
	}

	slog.Warn("recompute failed for listing", "listing_id", listingID, "error", err)

	listing, lerr := w.repo.GetListing(ctx, listingID)
	if lerr != nil {
		slog.Error("failed to load listing after recompute failure", "listing_id", listingID, "error", lerr)
		return err
	}

	listing.LastValuationError = err.Error()
	if serr := w.repo.SaveListing(ctx, listing); serr != nil {
		slog.Error("failed to record valuation error on listing", "listing_id", listingID, "error", serr)
	}

	return err
}

// Stop gracefully stops the worker, waiting for in-flight jobs to finish.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()
	w.cancel()

	slog.Info("recompute worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	PendingScopes     int      `json:"pendingScopes"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		PendingScopes:     w.queue.Len(),
	}
}
