package security

import (
	"regexp"
	"strings"
)

// Resource ID constraints. Server-minted IDs are UUIDs; these bounds
// exist for IDs that arrive from clients in URLs and payloads.
const (
	MinIDLength = 1
	MaxIDLength = 64
)

// validIDPattern allows alphanumeric, hyphens, and underscores
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// blockedIDPatterns contains patterns that are blocked in resource IDs.
// Cached at package level to avoid allocation on every ValidateID call.
var blockedIDPatterns = []string{
	"../",
	"..\\",
	"<script",
	"javascript:",
	"__proto__",
	"constructor",
}

// ValidateID checks whether a client-supplied resource ID (session,
// context, or page) is safe to look up. Returns an error message if
// invalid, empty string if valid.
func ValidateID(id string) string {
	if id == "" {
		return "ID is required"
	}

	if len(id) > MaxIDLength {
		return "ID too long (max 64 characters)"
	}

	if !validIDPattern.MatchString(id) {
		return "ID contains invalid characters (use alphanumeric, hyphens, underscores only)"
	}

	idLower := strings.ToLower(id)
	for _, pattern := range blockedIDPatterns {
		if strings.Contains(idLower, pattern) {
			return "ID contains blocked pattern"
		}
	}

	return ""
}
