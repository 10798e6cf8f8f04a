package config

import "strings"

// ProviderConfig locates the OIDC identity provider. An empty issuer URL
// means no provider is configured and interactive sign-in is unavailable.
type ProviderConfig interface {
	GetIssuerURL() string
	GetClientID() string
	GetClientSecret() string
	GetRedirectURL() string
	GetScopes() []string
	GetProviderType() string
}

type Provider struct{}

var _ ProviderConfig = Provider{}

func (Provider) GetIssuerURL() string {
	return GetEnv("OIDC_ISSUER_URL", "")
}

func (Provider) GetClientID() string {
	return GetEnv("OIDC_CLIENT_ID", "")
}

func (Provider) GetClientSecret() string {
	return GetEnv("OIDC_CLIENT_SECRET", "")
}

func (Provider) GetRedirectURL() string {
	return GetEnv("OIDC_REDIRECT_URL", "http://localhost:9090/callback")
}

// GetScopes returns the space separated OIDC_SCOPES list. The openid scope is
// added at discovery time and does not need to be listed.
func (Provider) GetScopes() []string {
	return strings.Fields(GetEnv("OIDC_SCOPES", "profile email"))
}

// GetProviderType names the issuing provider towards the profile store.
func (Provider) GetProviderType() string {
	return GetEnv("PROVIDER_TYPE", "oidc")
}
