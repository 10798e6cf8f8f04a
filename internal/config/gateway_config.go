package config

import "time"

// GatewayConfig locates the measurement profile store.
type GatewayConfig interface {
	GetGatewayBaseURL() string
	GetGatewayTimeout() time.Duration
	GetTokenURL() string
}

type Gateway struct{}

var _ GatewayConfig = Gateway{}

func (Gateway) GetGatewayBaseURL() string {
	return GetEnv("GATEWAY_BASE_URL", "")
}

func (Gateway) GetGatewayTimeout() time.Duration {
	return GetDurationEnv("GATEWAY_TIMEOUT", 30*time.Second)
}

// GetTokenURL is the provider token endpoint used for refresh grants. Empty
// disables refresh; identity credentials renew through silent sign-in instead.
func (Gateway) GetTokenURL() string {
	return GetEnv("OIDC_TOKEN_URL", "")
}
