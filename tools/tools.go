//go:build tools
// +build tools

// Package tools documents development tool dependencies.
// These tools are installed globally via `go install` or invoked with `go run pkg@version`
// and are not tracked in go.mod since they are development tools, not runtime dependencies.
package tools

// Development tools:
//
// Air - Live reload for researchd during local development
//   Install: go install github.com/air-verse/air@v1.63.0
//   Run:     air --build.cmd "go build -o ./tmp/researchd ./cmd/researchd" --build.bin ./tmp/researchd
//   Docs: https://github.com/air-verse/air
//
// mockgen - Regenerates the gomock doubles under internal/mocks
//   Run: go generate ./internal/mocks
//   Version: v0.6.0 (matches go.uber.org/mock in go.mod)
