// File: internal/service/components.go
package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/bus"
	"github.com/xkilldash9x/webpilot/internal/decision"
	"github.com/xkilldash9x/webpilot/internal/learner"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/metrics"
	"github.com/xkilldash9x/webpilot/internal/perception"
	"github.com/xkilldash9x/webpilot/internal/recovery"
	"github.com/xkilldash9x/webpilot/internal/store"
	"github.com/xkilldash9x/webpilot/internal/workflow"
)

const shutdownTimeout = 30 * time.Second

// Components holds every service a workflow run needs. Build wires them and
// Shutdown releases them in reverse order.
type Components struct {
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Bus          *bus.EventBus
	Pool         *browser.Pool
	Scheduler    *perception.Scheduler
	Router       *llmclient.Router
	Decider      *decision.Decider
	Recovery     *recovery.Manager
	Learner      *learner.Learner
	Store        *store.Store
	Orchestrator *workflow.Orchestrator

	DBPool *pgxpool.Pool
	Redis  *redis.Client

	logger          *zap.Logger
	stopSubscriber  func()
	learnerStarted  bool
	persistLearning bool
}

// Shutdown stops the learner, flushes its records to the store when one is
// configured and closes every connection. It is safe on a partially built set.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// Events the subscriber has not read yet are acknowledged unread.
	if c.stopSubscriber != nil {
		c.stopSubscriber()
		c.stopSubscriber = nil
	}
	if c.Bus != nil {
		c.Bus.Shutdown()
		logger.Debug("Event bus shut down.")
	}
	if c.Learner != nil && c.learnerStarted {
		c.Learner.Stop()
		c.learnerStarted = false
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if c.persistLearning && c.Store != nil && c.Learner != nil {
		if records := c.Learner.Snapshot(); len(records) > 0 {
			if err := c.Store.SaveRecords(ctx, records); err != nil {
				logger.Warn("Failed to persist learner records.", zap.Error(err))
			} else {
				logger.Debug("Learner records persisted.", zap.Int("count", len(records)))
			}
		}
		c.persistLearning = false
	}

	if c.Pool != nil {
		if err := c.Pool.Close(); err != nil {
			logger.Warn("Error during browser pool shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser pool closed.")
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logger.Warn("Error closing redis client.", zap.Error(err))
		}
		c.Redis = nil
	}
	if c.DBPool != nil {
		c.DBPool.Close()
		c.DBPool = nil
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
}
