package engine

import (
	"context"
	"time"
)

// Transport is the websocket session the engine paints through. Run owns
// the connection lifecycle; Send accepts one encoded binary frame.
type Transport interface {
	Run(ctx context.Context) error
	Send(ctx context.Context, frame []byte) error
}

// SnapshotSource serves full-board snapshots for bootstrap and resync.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context) ([]byte, error)
}

// Clock abstracts wall time for tests.
type Clock interface {
	Now() time.Time
}
