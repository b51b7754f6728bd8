// Package storage defines the persisted gateway state: named cache
// partitions holding response snapshots, the durable mutation queue, and
// the active deployment version marker.
package storage
