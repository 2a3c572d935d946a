// Package api hosts the HTTP trigger surface of the ingest service:
//   - GET /healthz and /readyz for probes; readiness pings the database.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs starts a full run in the background (409 while one is active).
//   - POST /v1/triples/run re-runs a single triple synchronously.
//   - GET /v1/runs and /v1/runs/{run_id} read the run history.
package api
