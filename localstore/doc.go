// Package localstore keeps a durable copy of every message sent or received
// on a device.
//
// Records are written with synced pebble batches, so a record that Put
// returned for survives a crash. History is indexed per chat by message
// creation time and remains readable after the remote copy is gone:
//
//	store, err := localstore.Open(path, deviceID)
//	recs, err := store.Query(chatID)
//
// Remote lifecycle never deletes local records. A Retainer removes records
// older than the local retention horizon on its own cron schedule.
package localstore
