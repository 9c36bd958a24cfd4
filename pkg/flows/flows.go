// Package flows holds the built-in graph definitions shipped with the daemon.
// Each builder takes the message bus so listener steps can delegate work to
// agent roles and suspend on their replies.
package flows

import (
	"context"
	"fmt"

	"github.com/conductor-hq/conductor/pkg/bus"
	"github.com/conductor-hq/conductor/pkg/flow"
	"github.com/conductor-hq/conductor/pkg/models"
)

const featureDeliverySchema = `{
	"type": "object",
	"required": ["feature"],
	"properties": {
		"feature": {"type": "string", "minLength": 1},
		"priority": {"type": "string", "enum": ["low", "normal", "high"]}
	}
}`

// FeatureDelivery is the built-in delivery pipeline: a feature request moves
// through architecture, implementation and testing, gets a final approval and
// is announced to every agent. Each stage hands off to an agent role and
// suspends until the reply is merged back via resume.
func FeatureDelivery(messageBus bus.MessageBus) *flow.Graph {
	return flow.NewGraph("feature_delivery").
		InputSchema(featureDeliverySchema).
		Start("receive_feature", func(_ context.Context, state map[string]any) (map[string]any, error) {
			if _, ok := state["priority"]; !ok {
				state["priority"] = "normal"
			}

			return state, nil
		}).
		RouterAfter("receive_feature", func(map[string]any) (string, error) {
			return "design", nil
		}).
		On("design", "request_architecture",
			delegate(messageBus, models.RoleSeniorArchitect, "Design architecture")).
		On("request_architecture", "request_implementation",
			delegate(messageBus, models.RoleSeniorDeveloper, "Implement feature")).
		On("request_implementation", "request_tests",
			delegate(messageBus, models.RoleTestLead, "Test feature")).
		On("request_tests", "request_approval",
			delegate(messageBus, models.RoleApprover, "Approve release")).
		On("request_approval", "announce", func(ctx context.Context, state map[string]any) (flow.StepResult, error) {
			feature, _ := state["feature"].(string)

			_, err := messageBus.Broadcast(ctx, models.RoleOrchestrator, models.KindNotification,
				"Feature delivered", map[string]any{"feature": feature})
			if err != nil {
				return flow.StepResult{}, fmt.Errorf("failed to announce delivery: %w", err)
			}

			return flow.StepResult{State: state}, nil
		})
}

const incidentSchema = `{
	"type": "object",
	"required": ["summary", "severity"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]}
	}
}`

// IncidentEscalation routes an incident to operations, escalating critical
// ones to the CTO before resolution is recorded.
func IncidentEscalation(messageBus bus.MessageBus) *flow.Graph {
	return flow.NewGraph("incident_escalation").
		InputSchema(incidentSchema).
		Start("receive_incident", func(_ context.Context, state map[string]any) (map[string]any, error) {
			return state, nil
		}).
		RouterAfter("receive_incident", func(state map[string]any) (string, error) {
			if severity, _ := state["severity"].(string); severity == "critical" {
				return "escalate", nil
			}

			return "triage", nil
		}).
		On("triage", "request_triage",
			delegate(messageBus, models.RoleOperationsHead, "Triage incident")).
		On("escalate", "notify_cto", func(ctx context.Context, state map[string]any) (flow.StepResult, error) {
			summary, _ := state["summary"].(string)

			messageID, err := messageBus.Publish(ctx, models.RoleOrchestrator, models.RoleCTO,
				models.KindEscalation, "Critical incident", map[string]any{"summary": summary})
			if err != nil {
				return flow.StepResult{}, fmt.Errorf("failed to escalate incident: %w", err)
			}

			return flow.StepResult{
				State: state,
				Await: &flow.Await{Agent: models.RoleCTO, RequestID: messageID},
			}, nil
		}).
		On("notify_cto", "request_triage_escalated",
			delegate(messageBus, models.RoleOperationsHead, "Triage incident"))
}

// delegate builds a listener that publishes a request to the role and
// suspends until the reply arrives. The durable message id doubles as the
// request id so replies can be correlated with the log.
func delegate(messageBus bus.MessageBus, role models.Role, subject string) flow.ListenFunc {
	return func(ctx context.Context, state map[string]any) (flow.StepResult, error) {
		messageID, err := messageBus.Publish(ctx, models.RoleOrchestrator, role,
			models.KindRequest, subject, state)
		if err != nil {
			return flow.StepResult{}, fmt.Errorf("failed to delegate to %s: %w", role, err)
		}

		return flow.StepResult{
			State: state,
			Await: &flow.Await{Agent: role, RequestID: messageID},
		}, nil
	}
}
