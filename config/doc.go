// Package config loads device configuration from a YAML file, an optional
// .env file and EPHEMERA_* environment variables, in that order of
// increasing precedence.
//
// Durations accept Go syntax ("30s", "1h30m"), a day suffix ("7d") or plain
// seconds. Sizes accept human-friendly strings ("8MB", "64MiB").
//
//	device:
//	  id: alice-phone
//	  user_id: alice
//	lifecycle:
//	  grace_window: 30s
//	  default_ttl: 7d
//	expiry:
//	  cron: "*/15 * * * *"
//	local:
//	  path: /var/lib/ephemera
//	  retention: 30d
//	sync:
//	  endpoint: wss://sync.example/ws
//	metrics:
//	  listen: ":9090"
package config
