// Package main is the upload-progress entrypoint.
//
// The service accepts upload jobs onto named queues, runs them on per-queue
// worker pools and records each job's progress in a ProgressStore (memory,
// Redis or Postgres). Clients follow a job over SSE, WebSocket or the watch
// subcommand until it succeeds, fails or turns out not to exist.
//
// Run locally with: go run . serve --config config.yaml (or rely on UPLOAD_*
// environment overrides).
package main

import (
	"github.com/JakeFAU/upload-progress/cmd"
)

func main() {
	cmd.Execute()
}
