// Package testing provides an in-process simulation of the real-time sync
// collaborator for deterministic tests of the message lifecycle.
//
// # Overview
//
// SimulatedFeed implements both interfaces.ChangeFeed and
// interfaces.Publisher. Hand it to a remote.DocumentStore as the publisher and
// every committed change is routed to the subscriptions of the message's
// participants, in commit order.
//
// # Simulation vs Real Implementation
//
//   - Simulation (this package): events are delivered in-memory with a
//     delivery log for verification.
//
//   - Real (real package): events travel as JSON over websocket connections.
//
// Both conform to interfaces.ChangeFeed and are selected by the factory
// package.
//
// # At-least-once Delivery
//
// The real substrate redelivers events. Set FeedConfig.DuplicateEvery to N to
// deliver every Nth published event twice, which exercises consumer-side
// deduplication by message id and version:
//
//	feed := testing.NewSimulatedFeed(&interfaces.FeedConfig{
//	    UseSimulation:  true,
//	    DialTimeout:    time.Second,
//	    DuplicateEvery: 3,
//	})
//	docs := remote.NewDocumentStore(feed)
//	sub, _ := feed.Subscribe(ctx, "bob")
//
// Publish never blocks: each subscription buffers in an unbounded queue.
package testing
