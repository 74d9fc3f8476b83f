package plugin

// Requests the host sends to a worker.
const (
	ActionAddPlugin    = "addPlugin"
	ActionDelPlugin    = "delPlugin"
	ActionExecuteRoute = "executeRoute"
	ActionUpdateConfig = "updateConfig"
)

// Requests a worker sends to the host.
const (
	ActionGetPluginConfig    = "GET_PLUGIN_CONFIG"
	ActionLogMessage         = "LOG_MESSAGE"
	ActionRequestPermissions = "REQUEST_PERMISSIONS"
)

// ConfigRequest is the payload of GET_PLUGIN_CONFIG.
type ConfigRequest struct {
	Name string `json:"name"`
}

// LogMessage is the payload of LOG_MESSAGE.
type LogMessage struct {
	Plugin  string         `json:"plugin"`
	Level   int            `json:"level"`
	Message string         `json:"message"`
	Error   string         `json:"error,omitempty"`
	Logger  string         `json:"logger,omitempty"`
	Values  map[string]any `json:"values,omitempty"`
}

// PermissionRequest is the payload of REQUEST_PERMISSIONS.
type PermissionRequest struct {
	Plugin      string   `json:"plugin"`
	Permissions []string `json:"permissions"`
}

// PermissionReply is the reply to REQUEST_PERMISSIONS.
type PermissionReply struct {
	Granted []string `json:"granted"`
}
