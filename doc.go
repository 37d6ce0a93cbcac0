// Package ephemera manages the lifecycle of ephemeral chat messages.
//
// A message lives in a shared remote document store only until every
// recipient has acknowledged delivery, plus a short grace window, or until
// its hard expiry passes, whichever comes first. Each device keeps its own
// durable local copy, so history survives remote deletion.
//
// # Getting Started
//
// Load a configuration, provide the remote collaborators and start a node:
//
//	cfg, err := config.Load("ephemera.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.ConfigureLogging()
//
//	node, err := ephemera.New(cfg, ephemera.Dependencies{
//	    Documents: docs,
//	    Blobs:     blobs,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Stop()
//
//	id, err := node.Send(ctx, chat, messaging.Text{Body: "hi"}, nil)
//
// # Deletion
//
// Remote deletion is driven by two independent triggers that share a single
// idempotent path in package lifecycle: a grace timer armed by the sender's
// device once every recipient acknowledged delivery, and a periodic sweep in
// package expiry that catches expired messages, missed timers and tombstones
// whose media cleanup failed. Lifecycle state only moves forward
// (active, pending_deletion, deleted), so concurrent triggers converge on
// exactly one deletion.
//
// # Change Feed
//
// Devices learn about receipts and deletions from a change feed. Package
// factory selects between the in-process simulation in package testing and
// the websocket client in package real, using EPHEMERA_SYNC_* environment
// variables:
//
//	export EPHEMERA_SYNC_USE_SIMULATION=false
//	export EPHEMERA_SYNC_ENDPOINT=ws://sync.internal:8080/feed
//
// # Observability
//
// Logging uses logrus with structured fields. When metrics.listen is set a
// node serves Prometheus metrics on /metrics and a liveness check on
// /healthz.
package ephemera
