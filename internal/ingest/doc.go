// Package ingest holds the vocabulary shared by the ledger: source types,
// domain rules, announcements, decisions, count validations and failed items,
// plus the storage and collaborator interfaces the core depends on.
//
// Concrete stores live in internal/storage/{postgres,memory}; this package must
// not import database drivers or network clients.
package ingest
