package registrar

import "fmt"

// ExistingEmailStrategy decides what happens when the identity's email
// already belongs to a different active user.
type ExistingEmailStrategy string

const (
	// EmailStrategyForbid rejects the registration outright.
	EmailStrategyForbid ExistingEmailStrategy = "FORBID"
	// EmailStrategyWarn surfaces the conflict so the caller can let the
	// user pick how to resolve it.
	EmailStrategyWarn ExistingEmailStrategy = "WARN"
	// EmailStrategyAllow silently moves the email from the other user.
	EmailStrategyAllow ExistingEmailStrategy = "ALLOW"
)

// UpdateLoginStrategy decides what happens when an existing user's
// login differs from the one the identity asserts.
type UpdateLoginStrategy string

const (
	// UpdateLoginAllow renames silently, including the personal
	// organization key.
	UpdateLoginAllow UpdateLoginStrategy = "ALLOW"
	// UpdateLoginWarn surfaces a conflict when a personal organization
	// already exists under the old key.
	UpdateLoginWarn UpdateLoginStrategy = "WARN"
)

// EmailConflictError is a control-flow signal, not a failure: the email
// is taken and the caller must redirect the user to resolve it.
type EmailConflictError struct {
	Email         string
	ExistingLogin string
	Provider      string
}

func (e *EmailConflictError) Error() string {
	return fmt.Sprintf("email '%s' is already used by user '%s'", e.Email, e.ExistingLogin)
}

// LoginConflictError signals that renaming the login would orphan an
// existing personal organization; the caller decides the redirect.
type LoginConflictError struct {
	OldLogin        string
	NewLogin        string
	OrganizationKey string
	Provider        string
}

func (e *LoginConflictError) Error() string {
	return fmt.Sprintf("login '%s' cannot be renamed to '%s': personal organization '%s' exists under the old key",
		e.OldLogin, e.NewLogin, e.OrganizationKey)
}
