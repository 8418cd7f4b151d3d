// Package stores provides the compile history kept by forge when --state
// is set. It includes a SQLite store with WAL mode and embedded
// migrations for compilations, their artifacts and their events, and a
// Recorder that fills it from the telemetry event stream.
package stores
