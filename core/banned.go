package core

import (
	"strings"
)

// bannedPatterns is the static refusal set shared by the sandbox's script
// scan and the memory validator. Matching is case-insensitive substring.
// The precise list is a policy knob; this is the minimum partition: host
// process globals, dynamic evaluation, module loading, direct store admin
// handles, credential identifiers and prompt-injection sentinels.
var bannedPatterns = []string{
	// Host process access
	"process.env",
	"process.exit",
	"child_process",
	"globalthis.process",

	// Dynamic evaluation primitives
	"eval(",
	"new function(",
	"function(\"return",

	// Module loading primitives
	"require(",
	"import(",
	"module.exports",

	// Direct admin handles for the primary data store
	"admin.firestore",
	"firestore.admin",
	"getfirestore(",
	"db.collection(",

	// Credential identifiers
	"api_key",
	"apikey",
	"secret_key",
	"access_token",
	"private_key",
	"service_account",
	"gemini_api_key",
	"webhook_secret",

	// Prompt-injection sentinels
	"ignore previous instructions",
	"ignore all previous",
	"system prompt:",
	"</system>",
}

// ScanBanned checks text against the banned-pattern set. It returns the
// first matching pattern and true when a match is found.
func ScanBanned(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range bannedPatterns {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

// BannedPatterns returns a copy of the active pattern set, primarily for
// diagnostics.
func BannedPatterns() []string {
	out := make([]string, len(bannedPatterns))
	copy(out, bannedPatterns)
	return out
}
