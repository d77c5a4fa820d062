package orchestrator

import (
	"github.com/google/uuid"
)

// IDGenerator produces opaque identifiers for evaluations.
type IDGenerator interface {
	EvaluationID() string
}

// UUIDGenerator produces time-ordered UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) EvaluationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
