package types

// Caller identifies the authenticated principal of a request.
// Transports fill this from API keys, bearer tokens, or gRPC metadata;
// the core only consumes it for access checks.
type Caller struct {
	UserID    string
	Username  string
	Roles     []string
	SessionID string
}

// IsAdmin reports whether the caller carries the admin role.
func (c Caller) IsAdmin() bool {
	for _, r := range c.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// CanAccess reports whether the caller may operate on a resource owned by
// the given user. Admins may operate on anything.
func (c Caller) CanAccess(ownerUserID string) bool {
	return c.IsAdmin() || (c.UserID != "" && c.UserID == ownerUserID)
}
