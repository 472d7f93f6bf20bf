// Package api hosts the operator HTTP surface of the ledger. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/validations?date= for the count validation rows of a batch date.
//   - GET /v1/failures for failed items, filtered by date, source, and status.
//   - GET /v1/stats/unkeyed for the per-domain fraction of records without identity.
//   - POST /v1/announcements/{identity_hash}/processed to mark a record completed.
package api
