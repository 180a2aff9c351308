package application

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// RunService turns work orders into background runs.
type RunService struct {
	planner      *Planner
	orchestrator *Orchestrator
	logger       *zap.Logger
}

// NewRunService constructs a run service.
func NewRunService(planner *Planner, orchestrator *Orchestrator, logger *zap.Logger) (*RunService, error) {
	if planner == nil || orchestrator == nil {
		return nil, errors.New("run service: nil dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunService{planner: planner, orchestrator: orchestrator, logger: logger}, nil
}

// Submit plans order and starts it in the background. Configuration errors are
// returned before any instrument is touched.
func (s *RunService) Submit(ctx context.Context, order WorkOrder) (*RunPlan, error) {
	plan, err := s.planner.Plan(ctx, order)
	if err != nil {
		return nil, err
	}
	if _, err := s.orchestrator.Submit(ctx, plan); err != nil {
		return nil, err
	}
	s.logger.Info("run submitted",
		zap.String("run_id", plan.Run.ID),
		zap.String("operator", plan.Run.Operator),
		zap.Int("items", len(plan.Items)))
	return plan, nil
}

// Abort cancels a run in flight.
func (s *RunService) Abort(runID string) error {
	return s.orchestrator.Abort(runID)
}

// Active reports whether runID is in flight.
func (s *RunService) Active(runID string) bool {
	return s.orchestrator.Active(runID)
}

// Wait blocks until runID finishes.
func (s *RunService) Wait(ctx context.Context, runID string) (RunReport, error) {
	return s.orchestrator.Wait(ctx, runID)
}
