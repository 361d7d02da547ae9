// Package event records authentication outcomes for audit purposes
// and defines the failure type every authenticator reports.
package event

import "fmt"

// Method identifies how credentials reached the server.
type Method string

const (
	MethodBasic      Method = "BASIC"
	MethodBasicToken Method = "BASIC_TOKEN"
	MethodForm       Method = "FORM"
	MethodJWT        Method = "JWT"
	MethodOAuth2     Method = "OAUTH2"
	MethodSSO        Method = "SSO"
)

// Provider identifies which backend vouched for the identity.
type Provider string

const (
	ProviderLocal    Provider = "local"
	ProviderRealm    Provider = "realm"
	ProviderSSO      Provider = "sso"
	ProviderExternal Provider = "external"
	ProviderOAuth2   Provider = "oauth2"
	ProviderJWT      Provider = "jwt"
)

// Source tags an authentication event with the method used and the
// backend that handled it.
type Source struct {
	Method       Method
	Provider     Provider
	ProviderName string
}

func Local(method Method) Source {
	return Source{Method: method, Provider: ProviderLocal, ProviderName: "local"}
}

func Realm(method Method, realmName string) Source {
	return Source{Method: method, Provider: ProviderRealm, ProviderName: realmName}
}

func SSO() Source {
	return Source{Method: MethodSSO, Provider: ProviderSSO, ProviderName: "sso"}
}

func OAuth2(providerName string) Source {
	return Source{Method: MethodOAuth2, Provider: ProviderOAuth2, ProviderName: providerName}
}

func JWT() Source {
	return Source{Method: MethodJWT, Provider: ProviderJWT, ProviderName: "jwt"}
}

func External(providerName string) Source {
	return Source{Method: MethodOAuth2, Provider: ProviderExternal, ProviderName: providerName}
}

func (s Source) String() string {
	return fmt.Sprintf("%s|%s", s.Provider, s.Method)
}
