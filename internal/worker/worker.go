package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pokerplan/backend/pkg/queue"
)

// SessionDeleter removes every record of a session.
type SessionDeleter interface {
	DeleteSession(ctx context.Context, id uuid.UUID) error
}

// CleanupProcessor processes session cleanup jobs queued when a dealer ends a session.
type CleanupProcessor struct {
	sessions SessionDeleter
	queue    *queue.Queue
	logger   *zap.Logger
	backoff  time.Duration
}

// NewCleanupProcessor creates a session cleanup processor.
func NewCleanupProcessor(sessions SessionDeleter, q *queue.Queue, logger *zap.Logger) *CleanupProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupProcessor{sessions: sessions, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one cleanup job. Deleting an already removed session succeeds.
func (p *CleanupProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionCleanup {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SessionCleanupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.SessionID == uuid.Nil {
		return fmt.Errorf("cleanup job %s has no session id", job.ID)
	}
	if err := p.sessions.DeleteSession(ctx, payload.SessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	p.logger.Info("session cleaned up", zap.String("session_id", payload.SessionID.String()))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *CleanupProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("cleanup worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *CleanupProcessor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.backoff):
	}
}
