package workflow

import (
	"context"

	"go.uber.org/zap"

	"pinklemonade/internal/domain"
)

// ActionHandler reacts to an automatic action fired when a grant enters a
// stage. Handlers must not assume they run inside the move transaction; the
// move is already committed when they fire.
type ActionHandler interface {
	Handle(ctx context.Context, action string, g domain.Grant) error
}

// ActionFunc adapts a function to ActionHandler.
type ActionFunc func(ctx context.Context, action string, g domain.Grant) error

func (f ActionFunc) Handle(ctx context.Context, action string, g domain.Grant) error {
	return f(ctx, action, g)
}

// HookDispatcher routes stage auto-actions to registered handlers. Unhandled
// actions are logged and skipped; a handler error never fails the move.
type HookDispatcher struct {
	handlers map[string]ActionHandler
	log      *zap.Logger
}

func NewHookDispatcher(log *zap.Logger) *HookDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &HookDispatcher{handlers: map[string]ActionHandler{}, log: log}
	for _, action := range []string{"calculate_match_score", "schedule_reminder", "generate_report_templates", "notify_team"} {
		d.Register(action, logOnlyHandler(log))
	}
	return d
}

func (d *HookDispatcher) Register(action string, h ActionHandler) {
	d.handlers[action] = h
}

func (d *HookDispatcher) Dispatch(ctx context.Context, actions []string, g domain.Grant) {
	for _, action := range actions {
		h, ok := d.handlers[action]
		if !ok {
			d.log.Debug("no handler for stage action", zap.String("action", action), zap.String("grant_id", g.ID))
			continue
		}
		if err := h.Handle(ctx, action, g); err != nil {
			d.log.Warn("stage action failed",
				zap.String("action", action),
				zap.String("grant_id", g.ID),
				zap.Error(err))
		}
	}
}

func logOnlyHandler(log *zap.Logger) ActionHandler {
	return ActionFunc(func(ctx context.Context, action string, g domain.Grant) error {
		log.Info("stage action triggered",
			zap.String("action", action),
			zap.String("grant_id", g.ID),
			zap.String("stage", g.ApplicationStage))
		return nil
	})
}
