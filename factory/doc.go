// Package factory creates change feed implementations, switching between the
// in-process simulation and the websocket client without changing consuming
// code.
//
// # Configuration
//
// Defaults can be overridden with environment variables:
//   - EPHEMERA_SYNC_USE_SIMULATION: "true" or "false"
//   - EPHEMERA_SYNC_ENDPOINT: websocket URL of the sync hub
//   - EPHEMERA_SYNC_DIAL_TIMEOUT: Go duration, e.g. "5s"
//   - EPHEMERA_SYNC_DIAL_ATTEMPTS: integer number of dial attempts
//   - EPHEMERA_SYNC_DUPLICATE_EVERY: re-deliver every nth event in simulation
//
// Invalid values are logged and the default is kept.
//
// # Usage
//
//	factory := factory.NewFeedFactory()
//	feed, err := factory.CreateFeed()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sub, err := feed.Subscribe(ctx, userID)
//
// # Testing Support
//
// CreateSimulationForTesting returns the concrete simulated feed, which is
// also the publisher for an in-memory document store:
//
//	feed := factory.NewFeedFactory().CreateSimulationForTesting(factory.WithDuplicateEvery(3))
//	docs := remote.NewDocumentStore(feed)
package factory
