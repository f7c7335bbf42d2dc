// Package cmd defines the CLI commands for the harvester executable.
//
// Architecture overview:
//   - serve: internal/api.Server exposes health, metrics, run control and record
//     listing. POST /api/crawl hands the request to the worker.Runner, which
//     starts one background run at a time and always finalizes the status
//     tracker.
//   - crawl: runs the same pipeline in the foreground for the keywords given on
//     the command line and prints the final status.
//   - Run pipeline: each run opens a fresh session.Manager over a chromedp
//     browser. The first content call launches the browser and waits for an
//     operator login; the orchestrator then pages search results, enriches
//     items, pages comments and merges every comment into the author record
//     store (file, memory or Postgres).
//   - Plumbing: viper populates config from a file and HARVESTER_* env vars;
//     zap provides structured logging; Prometheus collectors are served on
//     /metrics; progress events are batched by the progress hub into log and
//     metric sinks.
//
// Run locally: go run . serve --config config.yaml
package cmd
