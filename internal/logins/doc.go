// Package logins stores saved credentials and syncs them as the "passwords"
// collection.
//
// A Store owns the ReadWrite connection of its database for its whole
// lifetime. Sync engines built from the store use the database's Sync
// connection, so local edits and a running sync never hold write
// transactions at the same time.
//
// Usernames and passwords are sealed with XChaCha20-Poly1305 under a key
// derived from the caller's passphrase (Argon2id, per-database salt).
// Origins and form metadata stay in clear text so lookups can use indexes.
//
// # Sync manager registration
//
// RegisterWithSyncManager offers the store to the sync manager through a
// weak reference. The registration does not keep the store alive:
//
//	store, err := logins.Open(ctx, path, logins.Options{EncryptionKey: key})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	store.RegisterWithSyncManager()
//
//	// elsewhere, for the duration of one sync
//	eng, ok := logins.RegisteredSyncEngine(logins.EngineName)
//
// # Thread Safety
//
// All Store methods are safe for concurrent use from multiple goroutines.
// Engines are used by one sync run at a time.
package logins
