package client

// Options controls how a Client behaves across the connect/open-database
// lifecycle. The zero value is the most conservative configuration;
// DefaultOptions returns the permissive defaults that let a first-time
// caller associate with whatever database the daemon has open.
type Options struct {
	// AllowNewDatabase permits associating with a database the registry
	// has no record for yet.
	AllowNewDatabase bool
	// TriggerUnlock sets the triggerUnlock envelope field on the initial
	// database-hash request, asking the daemon to prompt the user to
	// unlock if it is currently locked.
	TriggerUnlock bool
	// OpenOnConnect automatically begins the open-database sequence as
	// soon as the handshake completes, instead of waiting for an explicit
	// call.
	OpenOnConnect bool
	// AllowDatabaseChange permits get-databasehash to report a different
	// database than the one seen earlier on the same connection, instead
	// of treating that as a fatal DatabaseChanged error. The first hash of
	// each connection is never compared against the registry.
	AllowDatabaseChange bool
	// DisconnectOnClose sends close-database before tearing down the
	// transport when Disconnect is called while a database is open.
	DisconnectOnClose bool
}

// DefaultOptions returns the permissive defaults: open automatically on
// connect, and associate with a new database if none is on record yet.
func DefaultOptions() Options {
	return Options{
		AllowNewDatabase: true,
		OpenOnConnect:    true,
	}
}

// ExtraField is an additional named value attached to a login entry.
type ExtraField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Entry is a login record exchanged with the caller.
type Entry struct {
	Username string       `json:"login"`
	Password string       `json:"password"`
	Name     string       `json:"name"`
	UUID     string       `json:"uuid"`
	Extra    []ExtraField `json:"stringFields,omitempty"`
}
