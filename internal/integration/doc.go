// Package integration holds end-to-end tests that run the control loop,
// executor and delegation coordinator together against real state and
// artifact databases.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
