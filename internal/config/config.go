package config

type Config interface {
	EnvConfig
	ProviderConfig
	GatewayConfig
	StorageConfig
	RefreshConfig
}

type mainConfig struct {
	EnvVars
	Provider
	Gateway
	Storage
	Refresh
}

func New() Config {
	return mainConfig{}
}
