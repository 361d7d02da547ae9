// Package identity defines the normalized external identity handed to
// the registrar and the identity-provider descriptors it comes from.
package identity

import (
	"regexp"
	"strings"
)

// UserIdentity is a provider-asserted identity, normalized before it
// reaches the registrar.
type UserIdentity struct {
	// ProviderID is the stable identifier inside the provider, when
	// the provider exposes one.
	ProviderID string
	// ProviderLogin is the login inside the provider. Required.
	ProviderLogin string
	// Login is the local login to use. Optional; the registrar
	// generates one from Name when empty.
	Login string
	Name  string
	Email string

	// Groups is only meaningful when ShouldSyncGroups is true. An
	// empty non-nil set removes every synced membership.
	Groups           []string
	ShouldSyncGroups bool
}

const (
	loginMinLength = 2
	loginMaxLength = 255
)

var (
	loginFirstChar  = regexp.MustCompile(`^\w`)
	loginValidChars = regexp.MustCompile(`\A\w[\w.\-@]+\z`)
)

// ValidateLogin checks the local login syntax: 2 to 255 characters,
// starting with _ or an alphanumeric, then letters, numbers and .-_@.
func ValidateLogin(login string) bool {
	if len(login) < loginMinLength || len(login) > loginMaxLength {
		return false
	}
	if !strings.HasPrefix(login, "_") && !loginFirstChar.MatchString(login) {
		return false
	}
	return loginValidChars.MatchString(login)
}
