package audit

import "context"

type scanResultContextKey struct{}

// ScanResultHolder is a mutable slot threaded through the request context so
// the response scanner (which runs deep in the chain) can hand its findings
// back to whichever component writes the audit record.
type ScanResultHolder struct {
	// Findings counts scanner detections on the response payload.
	Findings int
	// Action records what the scanner did: "blocked" in enforce mode,
	// "monitored" otherwise.
	Action string
	// Types is a comma-joined list of distinct finding categories.
	Types string
}

// NewScanResultContext attaches an empty holder to ctx and returns both. The
// audit writer calls this before invoking the chain and reads the holder
// after the chain returns.
func NewScanResultContext(ctx context.Context) (context.Context, *ScanResultHolder) {
	holder := &ScanResultHolder{}
	return context.WithValue(ctx, scanResultContextKey{}, holder), holder
}

// ScanResultFromContext returns the holder placed by NewScanResultContext,
// or nil when none is present.
func ScanResultFromContext(ctx context.Context) *ScanResultHolder {
	holder, _ := ctx.Value(scanResultContextKey{}).(*ScanResultHolder)
	return holder
}
