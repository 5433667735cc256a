// Package database provides SQLite connection management for the app services.
//
// This package manages:
//   - One Manager per database path, shared through a process-wide Registry
//   - Exactly one ReadWrite connection and at most one Sync connection per Manager
//   - Any number of ReadOnly connections
//   - A cooperative write lock serialising write transactions of one Manager
//   - Interrupt scopes for cancelling long-running statements
//   - Embedded schema migrations run by every writable connection
//
// Connection Discipline:
//
// SQLite allows several writers in one process, but they contend for the same
// locks and grow the WAL. The Manager hands out its single writer from a slot
// and its single sync connection behind a flag, and both take the shared write
// lock before beginning a transaction.
//
//	mgr, err := database.Open(ctx, "/data/logins.db", migrator, database.Options{})
//	if err != nil {
//	    return err
//	}
//
//	conn, err := mgr.OpenConnection(ctx, database.ReadWrite)
//	if err != nil {
//	    return err // ErrConnectionAlreadyOpen if someone else has it
//	}
//	defer mgr.CloseConnection(conn)
//
//	sc, err := mgr.OpenSyncConnection(ctx)
//	if err != nil {
//	    return err
//	}
//	defer sc.Release()
//
// Schema Recovery:
//
// If the first open of a file fails with ErrSchemaUpgrade (the file is not a
// database, is corrupt, or records migrations this binary does not know), the
// file is deleted and the open retried once. A second failure is returned.
//
// Performance Characteristics:
//   - WAL journal with a small auto-checkpoint interval
//   - Prepared statements cached per connection (LRU)
//   - Busy timeout for locks held by other processes
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
package database
