// Package shopmesh defines the core interfaces, types, and helpers shared across the
// shopmesh back-end services. It provides the error taxonomy, retry/backoff helpers,
// the fast-store cache abstraction, bus abstractions, and the tunables every core
// component consumes. Concrete backends live in subpackages such as redis (fast store),
// cassandra (durable store), and kafka (partitioned bus), while the two service cores
// live in flashsale (inventory & admission) and im (message routing).
//
// The repository hosts two deployable cores:
//
//   - flashsale: serves bursts of purchase requests for limited stock with strict
//     no-oversell guarantees, admission queuing, reliable order materialization, and
//     periodic reconciliation between the fast store and the durable store.
//   - im: routes private and group messages across device fan-outs, assigns monotonic
//     per-conversation sequence numbers, deduplicates deliveries, and falls back to
//     durable offline queues when recipients are unreachable.
//
// All shared mutation happens either in the fast store through atomic server-side
// scripts or in the durable store through lightweight transactions; in-process caches
// are read-only replicas refreshed by watch streams or TTL.
package shopmesh

// Timeout model
//
// Every operation that crosses the process boundary (fast-store command, durable
// query, bus publish, gateway push, registry lookup) carries the caller's context
// deadline. Periodic jobs (sweeper, reconciler, TTL sweep, snapshot) additionally
// bound each tick with their own work budget so a slow store cannot starve the
// scheduler. Gateway pushes have a per-attempt deadline plus an overall retry budget.
