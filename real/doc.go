// Package real provides the network implementation of the change feed.
//
// A Hub is an http.Handler that upgrades subscribers to websockets and fans
// out every event it is given through Publish to the users the event
// concerns. Wire it as the publisher of a document store:
//
//	hub := real.NewHub(nil)
//	docs := remote.NewDocumentStore(hub)
//	http.Handle("/sync", hub)
//
// A Feed is the client side. It implements interfaces.ChangeFeed by dialing
// the hub with the subscribing user in the query string and decoding JSON
// change events:
//
//	feed := real.NewFeed(&interfaces.FeedConfig{
//	    Endpoint:     "ws://localhost:8080/sync",
//	    DialTimeout:  5 * time.Second,
//	    DialAttempts: 3,
//	})
//	sub, err := feed.Subscribe(ctx, "alice")
//
// The stream is at-least-once and ordered per connection. A subscription
// that loses its connection closes its Events channel; the caller
// resubscribes and relies on event deduplication to absorb replays.
//
// For tests and in-process setups use the simulation in the testing
// package, or select either implementation with the factory package.
package real
