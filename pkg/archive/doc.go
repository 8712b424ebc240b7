// Package archive copies entity audit trails to S3-compatible object storage.
//
// An archive run asks the audit repository which entities had a tag or
// classification change in a time window, reads each entity's full trail in
// pages and uploads it as one NDJSON object:
//
//	<prefix>/<yyyy>/<mm>/<dd>/<entityID>.ndjson
//
// The date is the end of the window, so a daily run writes one directory per day.
// Uploads run on a bounded worker pool and a failed entity does not stop the run.
//
//	store, err := archive.NewS3Store(ctx, archive.S3Config{Bucket: "audit", Region: "us-east-1"})
//	archiver := archive.New(repo, store, archive.DefaultConfig(), metrics, logger)
//	res, err := archiver.RunWindow(ctx, 24*time.Hour)
package archive
