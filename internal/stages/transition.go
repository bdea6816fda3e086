package stages

import (
	"context"

	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/pkg/schema"
)

// transitionHandler runs an engine.Stage through the coordinator and turns
// the coordinator's decision into messages: follow-ons plus an audit event
// on proceed and replay, a drop notice on drop, and an exception plus an
// invalid_transition audit event on reject.
type transitionHandler struct {
	deps  *Deps
	stage engine.Stage
}

func newTransitionHandler(d *Deps, stage engine.Stage) *transitionHandler {
	return &transitionHandler{deps: d, stage: stage}
}

func (h *transitionHandler) Name() string { return h.stage.Name() }

func (h *transitionHandler) Handle(ctx context.Context, msg *schema.Message) (*Outcome, error) {
	res, err := h.deps.Coordinator.Apply(ctx, msg, h.stage)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Decision: res.Decision, Record: res.Record}

	switch res.Decision {
	case engine.DecisionProceed, engine.DecisionReplay:
		audit, err := auditMessage(res.Record, msg)
		if err != nil {
			return nil, err
		}
		out.Publish = append(res.FollowOn, audit)
		out.Notify = notificationsFor(res.Record, msg.ID)
	case engine.DecisionDrop:
		notice, err := dropNotice(msg, res.Record, h.Name(), h.deps.now())
		if err != nil {
			return nil, err
		}
		out.Publish = []*schema.Message{notice}
	case engine.DecisionReject:
		msgs, err := failureMessages(msg, res.Record, h.Name(), res.Violation, h.deps.now())
		if err != nil {
			return nil, err
		}
		out.Publish = msgs
	}
	return out, nil
}
