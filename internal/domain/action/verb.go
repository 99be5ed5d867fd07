package action

import "strings"

// Semantic verbs for policy evaluation. Structured rules match on these, not
// on raw protocol method names, so one "prohibit writes" rule covers every
// tool whose name says it writes.
const (
	VerbRead    = "read"
	VerbWrite   = "write"
	VerbExecute = "execute"
	VerbDelete  = "delete"
	VerbList    = "list"
)

// Verb-indicating name substrings, most severe first. Same idiom as the
// tool risk classifier: crude substring matching that errs toward the
// stricter verb when a name is ambiguous.
var (
	deleteVerbs  = []string{"delete", "remove", "drop", "destroy", "truncate", "purge"}
	executeVerbs = []string{"exec", "run", "shell", "command", "spawn", "invoke"}
	writeVerbs   = []string{"write", "create", "update", "modify", "send", "post", "upload", "put", "append", "move", "rename", "set"}
	listVerbs    = []string{"list", "ls", "enumerate", "index"}
)

// DeriveVerb maps an action to the semantic verb policies evaluate. Tool
// calls derive from the bare tool name; resource reads and listings have
// fixed verbs; anything unrecognized defaults to execute, the strictest
// reasonable assumption for an opaque operation.
func DeriveVerb(t ActionType, name string) string {
	switch t {
	case ActionCommandExec, ActionSampling, ActionElicitation:
		return VerbExecute
	case ActionNetworkConnect, ActionHTTPRequest:
		return VerbWrite
	}

	lower := strings.ToLower(name)

	switch lower {
	case "resources/read", "resources/list", "tools/list", "prompts/list":
		if strings.HasSuffix(lower, "/list") {
			return VerbList
		}
		return VerbRead
	}

	// Strip a "<upstream>__" prefix so the verb comes from the tool itself.
	if _, bare, ok := splitQualified(lower); ok {
		lower = bare
	}

	for _, v := range deleteVerbs {
		if strings.Contains(lower, v) {
			return VerbDelete
		}
	}
	for _, v := range executeVerbs {
		if strings.Contains(lower, v) {
			return VerbExecute
		}
	}
	for _, v := range writeVerbs {
		if strings.Contains(lower, v) {
			return VerbWrite
		}
	}
	for _, v := range listVerbs {
		if strings.Contains(lower, v) {
			return VerbList
		}
	}
	if strings.Contains(lower, "read") || strings.Contains(lower, "get") ||
		strings.Contains(lower, "fetch") || strings.Contains(lower, "search") ||
		strings.Contains(lower, "query") || strings.Contains(lower, "download") {
		return VerbRead
	}

	return VerbExecute
}

// splitQualified splits "<upstream>__<tool>" without importing the upstream
// package (action is a leaf relative to it).
func splitQualified(name string) (prefix, bare string, ok bool) {
	idx := strings.Index(name, "__")
	if idx <= 0 || idx+2 >= len(name) {
		return "", "", false
	}
	return name[:idx], name[idx+2:], true
}
