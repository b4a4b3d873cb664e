// Package attrs provides reusable OpenTelemetry attribute key constants
// to avoid duplication across middlewares.
package attrs

const (
	// AttrMethod names the service method a measurement belongs to.
	AttrMethod = "method"
	// AttrKeyLength represents the length of the printed map key. It helps spot
	// oversized keys without recording the key itself.
	AttrKeyLength = "key.len"
	// AttrHit reports whether a local lookup found a value.
	AttrHit = "hit"
	// AttrBackupCount represents the number of members that hold a copy after a put.
	// A zero count on a put means the write stayed local.
	AttrBackupCount = "backups.count"
	// AttrComplete reports whether a replication was forced to ship the whole value.
	AttrComplete = "complete"
	// AttrEntries represents the number of local entries.
	AttrEntries = "entries.count"
)
