package mqtt

// TopicPrefix is the root of every appservices topic.
const TopicPrefix = "appservices"

// Topics provides builders for appservices MQTT topics.
//
//	topics := mqtt.Topics{}
//	client.Subscribe(topics.AllCommands(), 1, handler)
type Topics struct{}

// SystemStatus is the retained online/offline status of the daemon, also
// used as the Last Will topic.
//
// Example: appservices/system/status
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// SyncStatus carries the retained summary of the last orchestration run.
//
// Example: appservices/sync/status
func (Topics) SyncStatus() string {
	return TopicPrefix + "/sync/status"
}

// SyncTelemetry carries the full telemetry of each run.
//
// Example: appservices/sync/telemetry
func (Topics) SyncTelemetry() string {
	return TopicPrefix + "/sync/telemetry"
}

// CommandSync asks the daemon to start a sync run. The payload is an
// optional JSON request.
//
// Example: appservices/command/sync
func (Topics) CommandSync() string {
	return TopicPrefix + "/command/sync"
}

// CommandInterrupt asks the daemon to interrupt the running sync.
//
// Example: appservices/command/interrupt
func (Topics) CommandInterrupt() string {
	return TopicPrefix + "/command/interrupt"
}

// AllCommands matches every command topic.
//
// Pattern: appservices/command/+
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+"
}
