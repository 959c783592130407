// Package sink provides the file and message-bus consumers of session
// statistics snapshots. Each type satisfies stats.Sink.
package sink
