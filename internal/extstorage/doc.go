// Package extstorage implements the storage.sync area of browser extensions:
// a JSON key/value map per extension, synced as the "extension-storage"
// collection.
//
// Reads use short-lived ReadOnly connections. Writes check out the
// database's ReadWrite connection for the duration of one call and return it
// afterwards; the sync engine uses the Sync connection.
//
// Writes are limited by the storage.sync quotas: QuotaBytes per extension,
// QuotaBytesPerItem per key and MaxItems keys.
package extstorage
