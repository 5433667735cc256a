package tabs

import "encoding/json"

// RemoteTab is one open tab.
type RemoteTab struct {
	Title string `json:"title"`

	// URLHistory is the tab's back history, most recent first.
	URLHistory []string `json:"url_history"`

	Icon string `json:"icon,omitempty"`

	// LastUsed is in Unix milliseconds.
	LastUsed int64 `json:"last_used"`
}

// ClientRemoteTabs is the tab list of one client.
type ClientRemoteTabs struct {
	ClientID   string      `json:"client_id"`
	ClientName string      `json:"client_name"`
	DeviceType string      `json:"device_type"`
	RemoteTabs []RemoteTab `json:"remote_tabs"`

	// LastModified is the server time of the client's last upload in
	// Unix milliseconds.
	LastModified int64 `json:"last_modified"`
}

// tabsRecord is the payload of one client's record.
type tabsRecord struct {
	ClientName string      `json:"client_name"`
	DeviceType string      `json:"device_type,omitempty"`
	Tabs       []RemoteTab `json:"tabs"`
}

func encodeTabs(tabs []RemoteTab) (string, error) {
	data, err := json.Marshal(tabs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
