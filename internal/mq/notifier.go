package mq

import (
	"context"

	"github.com/shaiso/Berth/internal/domain"
)

// MessagePublisher публикует готовое сообщение. Реализация: *Publisher.
type MessagePublisher interface {
	Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error
}

// Notifier публикует события завершения в berth.events.
//
// Подключается к orchestrator.Config.Notifier. Orchestrator вызывает его
// только после durable записи, поэтому подписчик может сразу читать
// итог из хранилища.
type Notifier struct {
	pub MessagePublisher
}

// NewNotifier создаёт Notifier.
func NewNotifier(pub MessagePublisher) *Notifier {
	return &Notifier{pub: pub}
}

// ActivityFinished публикует activity.finished.
func (n *Notifier) ActivityFinished(ctx context.Context, runID string, outcome *domain.ActivityOutcome) error {
	msg := NewMessage(MessageTypeActivityFinished, activityFinishedPayload(runID, outcome))
	return n.pub.Publish(ctx, ExchangeEvents, RoutingKeyActivityFinished, msg)
}

// RunFinished публикует run.finished.
func (n *Notifier) RunFinished(ctx context.Context, run *domain.BatchRun) error {
	msg := NewMessage(MessageTypeRunFinished, runFinishedPayload(run))
	return n.pub.Publish(ctx, ExchangeEvents, RoutingKeyRunFinished, msg)
}

func activityFinishedPayload(runID string, outcome *domain.ActivityOutcome) ActivityFinishedPayload {
	p := ActivityFinishedPayload{
		RunID:       runID,
		ContainerID: outcome.ContainerID,
		Status:      string(outcome.Status),
		Payload:     outcome.Payload,
		Attempts:    outcome.Attempts,
	}
	if outcome.Error != nil {
		p.ErrorKind = string(outcome.Error.Kind)
		p.Error = outcome.Error.Reason
	}
	return p
}

func runFinishedPayload(run *domain.BatchRun) RunFinishedPayload {
	p := RunFinishedPayload{
		RunID:      run.ID,
		Status:     string(run.Status),
		Error:      run.Error,
		Containers: len(run.ContainerIDs),
	}
	for _, o := range run.Outcomes {
		if o.Succeeded() {
			p.Succeeded++
		} else {
			p.GivenUp++
		}
	}
	return p
}
