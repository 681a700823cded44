package domain

import (
	"context"
)

// ServingStatus is the health of the orchestrator or one of its units as seen
// by control-plane clients
type ServingStatus string

const (
	ServingStatusUnknown    ServingStatus = "UNKNOWN"
	ServingStatusServing    ServingStatus = "SERVING"
	ServingStatusNotServing ServingStatus = "NOT_SERVING"
)

// Contract is the health surface exposed over gRPC. An empty unitID asks for
// the orchestrator as a whole.
type Contract interface {
	Health(ctx context.Context, unitID string) (ServingStatus, error)
}
