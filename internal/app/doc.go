// Package app composes the pledgevault services into a running application.
//
// # Architecture Role
//
// The app package sits above the domain and storage layers and wires them
// into one Application with a managed lifecycle. It is NOT a business logic
// layer - the funding rules live in internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data plus state machines)
//	│   ├── fees/           # Basis-point fee arithmetic
//	│   ├── project/        # Project lifecycle and contribution ledger
//	│   ├── escrow/         # Custodied deposits
//	│   ├── treasury/       # Accounts and transfer journal
//	│   └── reward/         # Donor reward grants
//	├── storage/            # Unit-of-work contract and backends
//	│   ├── interfaces.go   # Store, Tx, ReadTx
//	│   ├── memory/         # In-memory backend for development and tests
//	│   ├── postgres/       # PostgreSQL backend with embedded migrations
//	│   └── leveldb/        # Embedded key-value backend
//	├── services/           # Business logic
//	│   ├── funding/        # Crowdfunding engine and deadline watcher
//	│   └── ledger/         # Treasury read views
//	├── httpapi/            # REST handlers, audit trail, event stream
//	├── events/             # Event ring buffer and fan-out
//	├── cache/              # Read-view cache (in-process or Redis)
//	├── system/             # Background service lifecycle manager
//	└── metrics/            # Prometheus collectors
//
// # Responsibilities
//
// The app package is responsible for:
//
//   - Composing the funding and ledger services with a storage backend
//   - Defaulting collaborators so the zero configuration runs in memory
//   - Registering background services (deadline watcher) with the manager
//   - Owning startup and shutdown ordering
//
// Business rules stay in internal/app/services/; transport stays in
// internal/app/httpapi/.
//
// # Dependency Direction
//
//	cmd/gateway/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │           │
//	      │           └──► internal/app/domain/ + storage/ (contracts)
//	      │
//	      ├──► internal/app/httpapi/ (transport)
//	      │
//	      └──► internal/app/storage/ (backends)
//
// # Example: Adding a New Domain
//
// When adding a new domain (e.g., "matching" for donation matching):
//
//  1. Create domain models in internal/app/domain/matching/
//  2. Extend the Tx contract in internal/app/storage/interfaces.go
//  3. Implement it in storage/memory/, storage/postgres/, storage/leveldb/
//  4. Create the service in internal/app/services/matching/
//  5. Wire it in internal/app/application.go
//  6. Add HTTP handlers in internal/app/httpapi/
package app
