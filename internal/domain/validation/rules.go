package validation

// ValidMCPMethods is the allowlist of MCP method names the gateway will
// carry; anything else is rejected with ErrCodeMethodNotFound before it can
// reach an upstream. Both the camelCase and snake_case notification
// spellings are admitted, since SDKs disagree.
//
// Reference: https://modelcontextprotocol.io/specification
var ValidMCPMethods = map[string]bool{
	// Lifecycle
	"initialize":                true,
	"initialized":               true,
	"notifications/initialized": true,
	"ping":                      true,

	// Tools
	"tools/list": true,
	"tools/call": true,

	// Resources
	"resources/list": true,
	"resources/read": true,

	// Prompts
	"prompts/list": true,
	"prompts/get":  true,

	// Completion
	"completion/complete": true,

	// Logging
	"logging/setLevel": true,

	// Notifications
	"notifications/cancelled":              true,
	"notifications/progress":               true,
	"notifications/message":                true,
	"notifications/resources/updated":      true,
	"notifications/resources/list_changed": true,
	"notifications/resources/listChanged":  true,
	"notifications/tools/list_changed":     true,
	"notifications/tools/listChanged":      true,
	"notifications/prompts/list_changed":   true,
	"notifications/prompts/listChanged":    true,

	// Sampling (client feature)
	"sampling/createMessage": true,

	// Roots (client feature)
	"roots/list":                       true,
	"notifications/roots/list_changed": true,
	"notifications/roots/listChanged":  true,
}

// IsValidMCPMethod returns true if the method is a valid MCP method.
// MCP method names are case-sensitive.
func IsValidMCPMethod(method string) bool {
	return ValidMCPMethods[method]
}
