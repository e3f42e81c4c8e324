package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TypeReconcileIntent re-drives a payment transition whose inline
// persistence failed after the processor call already succeeded.
const TypeReconcileIntent = "payment:reconcile_intent"

// ReconcilePayload is the task body for TypeReconcileIntent.
type ReconcilePayload struct {
	IntentRef string `json:"intentRef"`
	Succeeded bool   `json:"succeeded"`
}

// Scheduler enqueues reconciliation tasks on the shared redis queue.
type Scheduler struct {
	Client *asynq.Client
	Logger zerolog.Logger
}

// ScheduleReconcile queues a background re-apply for an intent result.
// The task id is derived from the intent and outcome so concurrent
// failures enqueue it once.
func (s *Scheduler) ScheduleReconcile(ctx context.Context, intentRef string, succeeded bool) error {
	payload, err := json.Marshal(ReconcilePayload{IntentRef: intentRef, Succeeded: succeeded})
	if err != nil {
		return fmt.Errorf("tasks: encode reconcile payload: %w", err)
	}
	taskID := fmt.Sprintf("reconcile:%s:%t", intentRef, succeeded)
	_, err = s.Client.EnqueueContext(ctx, asynq.NewTask(TypeReconcileIntent, payload),
		asynq.TaskID(taskID),
		asynq.MaxRetry(10),
		asynq.Timeout(time.Minute),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		s.Logger.Info().Str("intent_ref", intentRef).Msg("reconcile task already queued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("tasks: enqueue reconcile: %w", err)
	}
	s.Logger.Info().Str("intent_ref", intentRef).Bool("succeeded", succeeded).
		Msg("queued background reconciliation")
	return nil
}

// Reconciler is the slice of the engine the worker needs.
type Reconciler interface {
	ReapplyIntent(ctx context.Context, intentRef string, succeeded bool) error
}

// NewMux builds the worker handler mux.
func NewMux(reconciler Reconciler, logger zerolog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReconcileIntent, func(ctx context.Context, t *asynq.Task) error {
		var p ReconcilePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			// a payload we cannot decode will never decode, drop it
			return fmt.Errorf("decode reconcile payload: %v: %w", err, asynq.SkipRetry)
		}
		logger.Info().Str("intent_ref", p.IntentRef).Msg("processing reconcile task")
		return reconciler.ReapplyIntent(ctx, p.IntentRef, p.Succeeded)
	})
	return mux
}
