package tool

import (
	"strings"
)

// criticalPatterns mark destructive operations and system-command surfaces.
var criticalPatterns = []string{
	"delete", "remove", "drop", "destroy", "execute", "exec",
	"shell", "command", "admin", "sudo", "root", "truncate",
}

// highPatterns mark write operations and outbound network access.
var highPatterns = []string{
	"write", "create", "update", "modify", "send", "post",
	"upload", "deploy", "install", "connect", "put",
}

// mediumPatterns mark reads that can exfiltrate data.
var mediumPatterns = []string{
	"fetch", "download", "export", "query", "search", "get",
}

// ClassifyTool derives a tool's risk level from case-insensitive substring
// matching on its name, most severe tier first. Substring matching is crude
// ("undelete" reads as "delete") but errs toward the stricter tier; the
// description is deliberately not consulted, since upstreams control it.
func ClassifyTool(tool Tool) RiskLevel {
	name := strings.ToLower(tool.Name)

	for _, pattern := range criticalPatterns {
		if strings.Contains(name, pattern) {
			return RiskLevelCritical
		}
	}
	for _, pattern := range highPatterns {
		if strings.Contains(name, pattern) {
			return RiskLevelHigh
		}
	}
	for _, pattern := range mediumPatterns {
		if strings.Contains(name, pattern) {
			return RiskLevelMedium
		}
	}
	return RiskLevelLow
}

// ClassifyTools returns a copy of tools with RiskLevel populated.
func ClassifyTools(tools []Tool) []Tool {
	result := make([]Tool, len(tools))
	for i, tool := range tools {
		result[i] = tool
		result[i].RiskLevel = ClassifyTool(tool)
	}
	return result
}
