package worker

import (
	"context"

	"github.com/june-it/emberq/internal/storage"
)

// Handler executes one claimed job. The claim behind it is a soft lease
// that another worker may steal after the invisibility window, so handlers
// must be idempotent.
type Handler func(ctx context.Context, job *storage.JobData) error
