package client

import (
	"context"
	"encoding/json"

	"github.com/coinstash/kpxc-go/internal/kpxcerr"
	"github.com/coinstash/kpxc-go/internal/secretbuf"
	"github.com/coinstash/kpxc-go/internal/transport"
)

// beginOpenDatabase runs the six-step open-database procedure: request the
// database hash, then either re-associate, associate fresh, or surface
// NoSavedDatabase, depending on the registry and Options.
func (c *Client) beginOpenDatabase() {
	c.setPending("get-databasehash", nil, c.cfg.Options.TriggerUnlock,
		func(payload []byte) { c.onDatabaseHash(payload) },
		func(err *kpxcerr.Error) { c.emit(Event{Kind: EventErrorOccurred, Err: err}) },
	)
}

func (c *Client) onDatabaseHash(payload []byte) {
	newHash, err := parseHash(payload)
	if err != nil {
		c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.DatabaseHashNotReceived, "get-databasehash", err.Error())})
		return
	}

	c.mu.Lock()
	prevHash := c.currentHash
	hadHash := c.haveHash
	c.currentHash = newHash
	c.haveHash = true
	c.mu.Unlock()

	if hadHash && prevHash != newHash && !c.cfg.Options.AllowDatabaseChange {
		err := kpxcerr.New(kpxcerr.DatabaseChanged, "get-databasehash", "database hash changed without AllowDatabaseChange")
		c.emit(Event{Kind: EventErrorOccurred, Err: err})
		c.teardown(context.Background(), transport.PhaseConnected)
		return
	}

	if c.cfg.AllowDatabase != nil && !c.cfg.AllowDatabase(newHash) {
		err := kpxcerr.New(kpxcerr.DatabaseRejected, "get-databasehash", "database rejected by policy")
		c.emit(Event{Kind: EventErrorOccurred, Err: err})
		c.teardown(context.Background(), transport.PhaseConnected)
		return
	}

	if !hadHash || prevHash != newHash {
		c.emit(Event{Kind: EventCurrentDatabaseChanged, DatabaseHash: newHash})
	}

	if key, ok := c.cfg.Registry.GetClientID(newHash); ok {
		c.testAssociate(newHash, key)
		return
	}
	if c.cfg.Options.AllowNewDatabase {
		c.associate(newHash)
		return
	}
	c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.NoSavedDatabase, "get-databasehash", "no association on record and AllowNewDatabase is false")})
}

func (c *Client) testAssociate(hash [32]byte, clientID *secretbuf.Buffer) {
	name, _ := c.cfg.Registry.GetName(hash)
	keyB64, err := clientID.Base64()
	if err != nil {
		c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.UnknownError, "test-associate", err.Error())})
		return
	}

	c.setPending("test-associate", map[string]any{"key": keyB64, "id": name}, false,
		func(payload []byte) {
			c.mu.Lock()
			c.state = Unlocked
			c.mu.Unlock()
			c.emit(Event{Kind: EventStateChanged, State: Unlocked})
			c.emit(Event{Kind: EventDatabaseOpened, DatabaseHash: hash})
		},
		func(err *kpxcerr.Error) {
			c.emit(Event{Kind: EventErrorOccurred, Err: err})
		},
	)
}

func (c *Client) associate(hash [32]byte) {
	idKey, err := newIdentityKey()
	if err != nil {
		c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.KeyGenerationFailed, "associate", err.Error())})
		return
	}
	idKeyB64, err := idKey.Base64()
	if err != nil {
		idKey.Destroy()
		c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.KeyGenerationFailed, "associate", err.Error())})
		return
	}

	c.mu.Lock()
	c.pendingAssocKey = idKey
	c.mu.Unlock()

	ownPubB64, err := c.connOwnPublicBase64()
	if err != nil {
		c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.KeyGenerationFailed, "associate", err.Error())})
		return
	}

	c.setPending("associate", map[string]any{"key": ownPubB64, "idKey": idKeyB64}, false,
		func(payload []byte) {
			var reply struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(payload, &reply); err != nil {
				c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.JsonParseError, "associate", err.Error())})
				return
			}
			c.mu.Lock()
			key := c.pendingAssocKey
			c.pendingAssocKey = nil
			c.mu.Unlock()
			if err := c.cfg.Registry.AddDatabase(hash, reply.ID, key); err != nil {
				c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.UnknownError, "associate", err.Error())})
				return
			}
			c.mu.Lock()
			c.state = Unlocked
			c.mu.Unlock()
			c.emit(Event{Kind: EventStateChanged, State: Unlocked})
			c.emit(Event{Kind: EventDatabaseOpened, DatabaseHash: hash})
		},
		func(err *kpxcerr.Error) {
			c.mu.Lock()
			key := c.pendingAssocKey
			c.pendingAssocKey = nil
			c.mu.Unlock()
			if key != nil {
				key.Destroy()
			}
			c.emit(Event{Kind: EventErrorOccurred, Err: err})
		},
	)
}

// connOwnPublicBase64 returns this connection's ephemeral public key,
// base64-encoded, for inclusion in the associate payload's "key" field.
func (c *Client) connOwnPublicBase64() (string, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn.OwnPublicBase64()
}

// requireUnlocked enforces the per-state gate shared by every high-level
// operation: DatabaseNotOpen if Locked, UnknownError if Disconnected.
func (c *Client) requireUnlocked(action string) bool {
	switch c.State() {
	case Unlocked:
		return true
	case Locked:
		c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.DatabaseNotOpen, action, "database is locked")})
		return false
	default:
		c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.UnknownError, action, "client is not connected")})
		return false
	}
}

// GeneratePassword requests the daemon's password generator.
func (c *Client) GeneratePassword() {
	if c.State() == Disconnected {
		c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.UnknownError, "generate-password", "client is not connected")})
		return
	}
	c.actions <- func() {
		c.setPending("generate-password", nil, false,
			func(payload []byte) {
				var reply struct {
					Entries []struct {
						Password string `json:"password"`
					} `json:"entries"`
				}
				if err := json.Unmarshal(payload, &reply); err != nil {
					c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.JsonParseError, "generate-password", err.Error())})
					return
				}
				passwords := make([]string, 0, len(reply.Entries))
				for _, e := range reply.Entries {
					passwords = append(passwords, e.Password)
				}
				c.emit(Event{Kind: EventPasswordsGenerated, Passwords: passwords})
			},
			func(err *kpxcerr.Error) { c.emit(Event{Kind: EventErrorOccurred, Err: err}) },
		)
	}
}

// GetLogins requests stored logins matching url. Requires Unlocked.
func (c *Client) GetLogins(url, submitURL string, httpAuth, searchAllDatabases bool) {
	if !c.requireUnlocked("get-logins") {
		return
	}
	c.actions <- func() {
		if !c.requireUnlocked("get-logins") {
			return
		}
		payload := map[string]any{
			"url":                url,
			"submitUrl":          submitURL,
			"httpAuth":           httpAuth,
			"searchAllDatabases": searchAllDatabases,
		}
		c.setPending("get-logins", payload, false,
			func(raw []byte) {
				var reply struct {
					Entries []Entry `json:"entries"`
				}
				if err := json.Unmarshal(raw, &reply); err != nil {
					c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.JsonParseError, "get-logins", err.Error())})
					return
				}
				c.emit(Event{Kind: EventLoginsReceived, Logins: reply.Entries})
			},
			func(err *kpxcerr.Error) { c.emit(Event{Kind: EventErrorOccurred, Err: err}) },
		)
	}
}

// SetLogin adds or updates a login entry, based on entry.UUID.
func (c *Client) SetLogin(url, submitURL string, entry Entry) {
	if !c.requireUnlocked("set-login") {
		return
	}
	c.actions <- func() {
		if !c.requireUnlocked("set-login") {
			return
		}
		payload := map[string]any{
			"url":       url,
			"submitUrl": submitURL,
			"login":     entry.Username,
			"password":  entry.Password,
		}
		if entry.UUID != "" {
			payload["uuid"] = entry.UUID
		}
		c.setPending("set-login", payload, false,
			func([]byte) { c.emit(Event{Kind: EventLoginAdded}) },
			func(err *kpxcerr.Error) { c.emit(Event{Kind: EventErrorOccurred, Err: err}) },
		)
	}
}

// CloseDatabase proactively issues close-database without tearing down the
// connection. On a successful reply the client moves to Locked and emits
// EventStateChanged and EventDatabaseClosed.
func (c *Client) CloseDatabase() {
	if !c.requireUnlocked("close-database") {
		return
	}
	c.actions <- func() {
		if !c.requireUnlocked("close-database") {
			return
		}
		c.setPending("close-database", nil, false,
			func([]byte) {
				c.mu.Lock()
				c.state = Locked
				c.mu.Unlock()
				c.emit(Event{Kind: EventStateChanged, State: Locked})
				c.emit(Event{Kind: EventDatabaseClosed})
			},
			func(err *kpxcerr.Error) { c.emit(Event{Kind: EventErrorOccurred, Err: err}) },
		)
	}
}
