// Package timeouts defines the shared timeout constants for the raid
// server's HTTP surface so the durations live in one place.
package timeouts

import "time"

// ReadHeader limits how long the raid server waits for request headers.
// Websocket clients on school networks can be slow to open the stream,
// so this only covers the header read, not the upgraded connection.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the server waits for in-flight requests and
// open websocket sessions during graceful shutdown.
const Shutdown = 5 * time.Second
