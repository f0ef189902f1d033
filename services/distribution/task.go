package distribution

import (
	"context"
	"errors"
	"fmt"

	"estate-credits/pkg/errutil"
	"estate-credits/pkg/logger"
	"estate-credits/pkg/task"
	"estate-credits/pkg/taskname"
	"estate-credits/services/credit"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TriggerManual   = "manual"
	TriggerPurchase = "purchase"
	TriggerSchedule = "schedule"
)

type RunPayload struct {
	AgencyID      string `json:"agency_id"`
	Trigger       string `json:"trigger"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// Enqueue schedules an asynchronous run for the agency.
func (s *Service) Enqueue(ctx context.Context, payload RunPayload) (*asynq.TaskInfo, error) {
	if s.enqueuer == nil {
		return nil, errutil.ServiceUnavailable("task queue is not configured", nil)
	}
	if payload.AgencyID == "" {
		return nil, errutil.BadRequest("agency id is required", nil)
	}

	info, err := task.EnqueueJSON(ctx, s.enqueuer, taskname.DistributionRun, payload,
		asynq.Queue(taskname.QueueDefault),
		asynq.MaxRetry(3),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to enqueue distribution run",
			zap.String("agency_id", payload.AgencyID), zap.String("trigger", payload.Trigger), zap.Error(err))
		return nil, err
	}

	logger.FromContext(ctx).Info("distribution run enqueued",
		zap.String("agency_id", payload.AgencyID), zap.String("trigger", payload.Trigger), zap.String("task_id", info.ID))
	return info, nil
}

// PurchaseConfirmed enqueues a run when an agency asked for its purchase to
// be shared with the team.
func (s *Service) PurchaseConfirmed(ctx context.Context, txn *credit.Transaction, distribute bool) error {
	if !distribute || txn.OwnerType != credit.OwnerAgency {
		return nil
	}
	_, err := s.Enqueue(ctx, RunPayload{
		AgencyID:      txn.OwnerID,
		Trigger:       TriggerPurchase,
		TransactionID: txn.ID.String(),
	})
	return err
}

// HandleRunTask is the asynq handler of taskname.DistributionRun.
func (s *Service) HandleRunTask(ctx context.Context, t *asynq.Task) error {
	var payload RunPayload
	if err := task.DecodeJSON(t, &payload); err != nil {
		zap.L().Error("invalid distribution payload", zap.Error(err))
		return err
	}
	if payload.AgencyID == "" {
		return fmt.Errorf("payload without agency id: %w", asynq.SkipRetry)
	}

	log := logger.FromContext(ctx).With(zap.String("agency_id", payload.AgencyID), zap.String("trigger", payload.Trigger))
	log.Info("processing distribution task")

	run, err := s.Distribute(ctx, payload.AgencyID)
	if errors.Is(err, ErrRunInProgress) {
		log.Info("distribution already running, dropping task")
		return nil
	}
	if errors.Is(err, ErrRunNotRecorded) {
		log.Error("distribution paid out without a run record, not retrying", zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		log.Error("distribution task failed", zap.Error(err))
		return err
	}

	log.Info("finished distribution task", zap.String("status", string(run.Status)))
	return nil
}
