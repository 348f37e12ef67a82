// Package mocks holds gomock doubles for the orchestrator's ports.
//
// Regenerate after interface changes with:
//
//	go generate ./internal/mocks
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=adapter_mock.go github.com/target/research-fanout/internal/providers Adapter

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=audit_repository_mock.go github.com/target/research-fanout/internal/core AuditRepository

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=owner_notifier_mock.go github.com/target/research-fanout/internal/core OwnerNotifier
