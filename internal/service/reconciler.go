package service

import (
	"context"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/pkg/logger"
)

// Reconciler periodically finishes incomplete sends.
type Reconciler struct {
	messages *MessageService
	clock    clock.Clock
	interval time.Duration
	logger   *logger.Logger
}

// NewReconciler creates a reconciler that runs every interval.
func NewReconciler(messages *MessageService, clk clock.Clock, interval time.Duration, log *logger.Logger) *Reconciler {
	return &Reconciler{
		messages: messages,
		clock:    clk,
		interval: interval,
		logger:   log,
	}
}

// Run blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-r.clock.After(r.interval):
			n, err := r.messages.Reconcile(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Error("reconcile pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("reconcile pass completed", zap.Int("completed", n))
			}
		}
	}
}
