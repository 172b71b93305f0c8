package remote

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks -source=source.go Source

import (
	"context"

	"github.com/roach88/offsync/internal/change"
)

// Default request paths, relative to the base URL.
const (
	DefaultPullPath   = "cars/sync/pull"
	DefaultPushPath   = "users/sync"
	DefaultHealthPath = "healthz"
)

// Source fetches and uploads change sets.
//
// Implementations must honor ctx cancellation and deadlines, and must not
// retry internally: the coordinator treats every failure as the end of the
// cycle and waits for the next trigger.
type Source interface {
	// Pull returns every change newer than lastPulledVersion (0 = everything)
	// together with the version the response brings the caller up to.
	Pull(ctx context.Context, lastPulledVersion int64) (change.PullResponse, error)

	// Push uploads local changes. A nil error is the remote's acknowledgement.
	Push(ctx context.Context, req change.PushRequest) error
}
