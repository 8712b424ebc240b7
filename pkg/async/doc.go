// Package async provides a bounded worker pool for background work such as
// archive uploads.
//
// WorkerPool runs tasks on a fixed number of goroutines with a per-task timeout and
// panic recovery. Errors are collected rather than logged and dropped:
//
//	errs := async.Batch(ctx, entityIDs, 8, "archive", 30*time.Second, logger,
//		func(ctx context.Context, id string) error {
//			return archiveEntity(ctx, id)
//		})
package async
