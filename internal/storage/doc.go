// Package storage is the durable state of the broadcast pipeline.
//
// It provides:
//   - JobStore: the job queue (enqueue, atomic claim, per-recipient outcomes, reclaim, retention)
//   - JobLogStore: per-job progress lines shown by the API
//   - WebhookLogStore: inbound provider events with bounded retention
//   - CatalogStore: projects and message templates
//
// Backends are "memory", "sqlite" and "postgres". The SQL backends share one
// implementation; schemas are embedded goose migrations per dialect.
package storage
