// Package auth issues and checks the credentials used around the sync daemon.
//
// It provides:
//   - HS256 access tokens for the status API and the development storage server
//   - A small static role model (viewer, operator, admin, sync client)
//   - Argon2id key derivation for stores that encrypt fields at rest
//
// Tokens are validated by signature and expiry only; there is no session
// table. A token's subject is the account it acts for: a user name on the API,
// the sync key identifier on the storage server.
package auth
