// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"time"
)

// CycleTiming describes one completed sync cycle for metrics recording.
type CycleTiming struct {
	Records   int
	Uploaded  int
	Failed    int
	Duration  time.Duration
	Cancelled bool
}

// CycleMetricsRecorder receives sync cycle timings. Hosts bind this to their
// metrics backend; the core deliberately carries no metrics dependency.
type CycleMetricsRecorder interface {
	ObserveCycle(ctx context.Context, timing CycleTiming)
}
