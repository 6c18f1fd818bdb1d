package bus

import (
	"fmt"

	"github.com/jaakkos/pilot/internal/domain"
)

// Validate checks a message against the bus contract before append.
// A refused message never reaches the file.
func Validate(m *domain.Message) []string {
	var errs []string
	if m.From == "" {
		errs = append(errs, "sender is required")
	}
	if !domain.ValidMessageType(m.Type) {
		errs = append(errs, fmt.Sprintf("invalid message type %q", m.Type))
	}
	if !domain.ValidPriority(m.Priority) {
		errs = append(errs, fmt.Sprintf("invalid priority %q", m.Priority))
	}
	if m.Topic == "" {
		errs = append(errs, "topic is required")
	}
	if m.ToRole != "" && !domain.ValidRole(m.ToRole) {
		errs = append(errs, fmt.Sprintf("invalid role %q", m.ToRole))
	}
	switch m.Type {
	case domain.TypeRequest, domain.TypeQuery:
		if !m.Targeted() {
			errs = append(errs, string(m.Type)+" requires a recipient")
		}
	case domain.TypeResponse, domain.TypeAck, domain.TypeNack:
		if m.CorrelationID == "" {
			errs = append(errs, string(m.Type)+" requires correlation_id")
		}
	case domain.TypeBroadcast:
		if m.To != "" && m.To != domain.Broadcast {
			errs = append(errs, "broadcast cannot name a direct recipient")
		}
	}
	if m.Ack != nil && m.Ack.Required && m.Ack.DeadlineMS <= 0 {
		errs = append(errs, "ack.required needs a positive deadline_ms")
	}
	if m.Priority == domain.PriorityFYI && m.Ack != nil && m.Ack.Required {
		errs = append(errs, "fyi messages cannot require ack")
	}
	return errs
}
