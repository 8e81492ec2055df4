// Package redisstream provides a Redis Streams broker for xrelay.
//
// Broker name: "redis-streams"
//
// Every topic is a stream. Subscribing a queue to a topic creates a consumer
// group named after the queue on that stream, so each queue sees every entry
// published after it subscribed. Receive reads all of a queue's streams with
// XREADGROUP and Delete is XACK.
//
// Entries a consumer read but never acked are handed out again with
// XAUTOCLAIM once they were idle for claim_min_idle.
//
// Config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - consumer: consumer name inside each group (default "xrelay-<host>-<pid>")
// - key_prefix: prefix of bookkeeping keys (default "xrelay:")
// - claim_min_idle: redelivery timeout for un-acked entries (default 30s, 0 disables)
// - claim_interval: minimum time between claim passes per queue (default 5s)
// - max_deliveries: dead-letter entries delivered more often (default 0, unlimited)
// - dead_letter: stream receiving dead-lettered entries (optional)
// - auto_delete_on_ack: XDEL after XACK; only safe with a single queue per topic
//
// Example builder usage:
//
//	relay, _ := xrelay.NewRelayBuilder().
//	    WithBroker(redisstream.BrokerName, map[string]any{
//	        "addr":           "localhost:6379",
//	        "claim_min_idle": "1m",
//	        "max_deliveries": 5,
//	        "dead_letter":    "xrelay-dlq",
//	    }).
//	    Build()
package redisstream
