package learner

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/bus"
)

// FromEvent turns a finished-workflow event into an execution record.
func FromEvent(ev schemas.WorkflowEvent) ExecutionRecord {
	rec := ExecutionRecord{
		ID:         ev.ExecutionID,
		Timestamp:  ev.Timestamp,
		WorkflowID: ev.WorkflowID,
		TaskType:   ev.TaskType,
		Tier:       ev.Tier,
		Decision: DecisionSnapshot{
			PageURL:          ev.PageURL,
			PageComplexity:   ev.PageComplexity,
			UserIntent:       ev.Intent,
			PreviousFailures: ev.ErrorKinds,
		},
		Outcome: Outcome{
			Success:        ev.Success,
			CompletionTime: ev.Duration,
			StepsCompleted: ev.StepsCompleted,
			StepsFailed:    ev.StepsFailed,
			ErrorKinds:     ev.ErrorKinds,
			QualityScore:   ev.QualityScore,
		},
		Perf: PerfMetrics{
			TotalDuration:  ev.Duration,
			PerceptionTime: ev.PerceptionTime,
			ActionTime:     ev.Duration - ev.PerceptionTime,
			CacheHitRate:   ev.CacheHitRate,
		},
		Environment: Environment{PageLoadTime: ev.PageLoadTime},
	}
	if rec.Perf.ActionTime < 0 {
		rec.Perf.ActionTime = 0
	}
	return rec
}

// Subscribe records every WorkflowEvent published on b until ctx ends or the
// returned stop function is called. Events still buffered at stop are
// acknowledged unread.
func (l *Learner) Subscribe(ctx context.Context, b *bus.EventBus) (stop func()) {
	ch, unsubscribe := b.Subscribe(schemas.EventWorkflowCompleted)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if we, ok := ev.Payload.(schemas.WorkflowEvent); ok {
					l.Record(FromEvent(we))
				} else {
					l.logger.Warn("Ignoring unexpected payload on workflow channel", zap.String("event_id", ev.ID))
				}
				b.Ack(ev)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			close(done)
			wg.Wait()
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					b.Ack(ev)
				default:
					return
				}
			}
		})
	}
}
