package config

import "time"

// RefreshConfig tunes the background credential renewal.
type RefreshConfig interface {
	GetRefreshInterval() time.Duration
	GetExpiryMargin() time.Duration
	GetRenewalCooldown() time.Duration
}

type Refresh struct{}

var _ RefreshConfig = Refresh{}

func (Refresh) GetRefreshInterval() time.Duration {
	return GetDurationEnv("REFRESH_INTERVAL", 20*time.Minute)
}

func (Refresh) GetExpiryMargin() time.Duration {
	return GetDurationEnv("EXPIRY_MARGIN", 30*time.Minute)
}

// GetRenewalCooldown spaces out renewal attempts across widget instances.
func (Refresh) GetRenewalCooldown() time.Duration {
	return GetDurationEnv("RENEWAL_COOLDOWN", 5*time.Second)
}
