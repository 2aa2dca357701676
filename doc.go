// Package gateway is the root of the Evolution gateway, a multi-tenant
// chat protocol gateway.
//
// # Architecture
//
// The gateway sits between an external protocol engine and the systems
// that consume chat events. Each tenant ("instance") owns one protocol
// session; the supervisor drives its lifecycle (pairing, reconnect
// policy, terminal states) and feeds its callbacks, in protocol order,
// into the ingestion pipeline. The pipeline normalizes callbacks into
// canonical records, enforces the dedup and unread-counter invariants,
// and hands every accepted event to the dispatcher, which fans it out
// to the configured sinks: webhook, RabbitMQ exchange, managed
// JetStream queue, and websocket rooms. Automation collaborators (CRM
// bridge, bot engine) receive offers on a detached worker pool so their
// failures never reach the ingestion path.
//
// Package map:
//
//   - protocol: the engine boundary; typed callback union and session
//     interfaces
//   - engine: protocol engine driver registry plus the dev driver
//   - supervisor: per-tenant session lifecycle
//   - pipeline: callback normalization and invariants
//   - dispatch: envelope construction and sink fan-out
//   - sink/...: delivery adapters
//   - collab: CRM and bot collaborators
//   - store: canonical message, chat, and contact records
//   - instance, config, gateway/http: tenant registry, settings
//     snapshots, and the admin API
package gateway
