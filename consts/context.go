package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey is the context key for the "use_master" boolean value.
	// It signals the database layer to run a read on the write pool,
	// bypassing the read replica for read-your-writes consistency.
	UseMasterDBKey = ContextKey("use_master")
)
