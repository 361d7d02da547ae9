package identity

import (
	"errors"
	"fmt"
)

// ProviderKind is a closed set: providers are either plain (Base) or
// carry an OAuth2 flow. An unknown kind in configuration is a
// deployment error, never a silent skip.
type ProviderKind string

const (
	KindBase   ProviderKind = "base"
	KindOAuth2 ProviderKind = "oauth2"
)

var (
	ErrProviderNotFound = errors.New("identity provider not found")
	ErrProviderDisabled = errors.New("identity provider disabled")
)

// Provider describes one configured identity provider.
type Provider struct {
	Key          string
	Name         string
	Enabled      bool
	AllowsSignUp bool
	Kind         ProviderKind

	// OAuth2 is set exactly when Kind == KindOAuth2.
	OAuth2 *OAuth2Settings
}

// OAuth2Settings carries the endpoints of an OAuth2 provider.
type OAuth2Settings struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	APIURL       string
	Scopes       []string
}

func (p Provider) validate() error {
	if p.Key == "" {
		return errors.New("provider key cannot be empty")
	}
	switch p.Kind {
	case KindBase:
		if p.OAuth2 != nil {
			return fmt.Errorf("provider %q: oauth2 settings on a base provider", p.Key)
		}
	case KindOAuth2:
		if p.OAuth2 == nil {
			return fmt.Errorf("provider %q: missing oauth2 settings", p.Key)
		}
	default:
		return fmt.Errorf("provider %q: unknown kind %q", p.Key, p.Kind)
	}
	return nil
}
