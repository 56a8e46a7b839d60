package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/model"
)

// Observer receives run events synchronously. Errors and panics are
// logged and never reach the run.
type Observer interface {
	EntityEvaluated(ctx context.Context, batchID string, trace model.EntityTrace) error
	BatchCompleted(ctx context.Context, batch *model.Batch, traces []model.EntityTrace) error
}

func (p *Pipeline) notify(ctx context.Context, log *zap.Logger, event string, fn func(context.Context, Observer) error) {
	for _, o := range p.observers {
		if err := safeCall(ctx, o, fn); err != nil {
			log.Warn("pipeline: observer failed", zap.String("event", event), zap.Error(err))
		}
	}
}

func safeCall(ctx context.Context, o Observer, fn func(context.Context, Observer) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("pipeline: observer panic: %v", r)
		}
	}()
	return fn(ctx, o)
}

// LogObserver logs every entity result at debug and each batch at info.
type LogObserver struct {
	Logger *zap.Logger // nil uses zap.L()
}

func (l LogObserver) logger() *zap.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return zap.L()
}

func (l LogObserver) EntityEvaluated(_ context.Context, batchID string, tr model.EntityTrace) error {
	fields := []zap.Field{
		zap.String("batch_id", batchID),
		zap.String("entity_id", tr.EntityID),
		zap.String("variant", tr.Variant),
		zap.Float64("total", tr.Total),
	}
	if tr.BestOpportunity != nil {
		fields = append(fields,
			zap.String("best_component", tr.BestOpportunity.ComponentID),
			zap.Float64("best_incremental", tr.BestOpportunity.IncrementalValue),
		)
	}
	if tr.Failed() {
		fields = append(fields, zap.String("error", tr.Error))
	}
	l.logger().Debug("pipeline: entity evaluated", fields...)
	return nil
}

func (l LogObserver) BatchCompleted(_ context.Context, b *model.Batch, _ []model.EntityTrace) error {
	fields := []zap.Field{
		zap.String("batch_id", b.ID),
		zap.String("state", string(b.State)),
		zap.Int("entity_count", b.EntityCount),
	}
	if b.Summary != nil {
		fields = append(fields,
			zap.Float64("grand_total", b.Summary.GrandTotal),
			zap.Int("failed_entities", b.Summary.FailedEntities),
		)
	}
	l.logger().Info("pipeline: batch observed", fields...)
	return nil
}
