package scan

import (
	"context"
	"io"
)

// Engine is the boundary to the external scanning engine. Implementations
// take a readable byte stream and return a verdict; signature database
// management is entirely the engine's responsibility.
//
// A per-call failure is reported as a StatusError verdict, not retried
// here. Retry policy belongs to the cache, which re-scans on next access.
type Engine interface {
	// Scan reads the stream and returns a verdict. size is advisory
	// (-1 when unknown).
	Scan(ctx context.Context, r io.Reader, size int64) Verdict

	// Close releases all engine resources.
	Close() error
}
