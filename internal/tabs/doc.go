// Package tabs shares open tabs between clients as the "tabs" collection.
//
// The local client's tabs live only in memory and are set by the
// application with SetLocalTabs. Tabs of other clients are persisted as
// fetched by the last sync and read back with RemoteTabs.
//
// Sync writes go through the database's Sync connection; reads use fresh
// ReadOnly connections.
package tabs
