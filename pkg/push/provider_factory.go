package push

import (
	"fmt"

	"go.uber.org/zap"

	"callsignal-backend/pkg/config"
	"callsignal-backend/pkg/logger"
)

// ProviderType names a push backend
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// NewProvider builds the provider selected by cfg.Provider. Unknown names
// fall back to the mock provider.
func NewProvider(cfg config.PushConfig) (Provider, error) {
	providerType := ProviderType(cfg.Provider)

	logger.Info("Initializing ring push provider",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFCM:
		if cfg.FCMProjectID == "" {
			return nil, fmt.Errorf("FCM_PROJECT_ID is required for the fcm push provider")
		}
		provider, err := NewFCMProvider(&FCMConfig{
			ProjectID:       cfg.FCMProjectID,
			CredentialsPath: cfg.FCMCredentialsPath,
		})
		if err != nil {
			return nil, err
		}
		return provider, nil

	case ProviderTypeAPNs:
		if cfg.APNsBundleID == "" {
			return nil, fmt.Errorf("APNS_BUNDLE_ID is required for the apns push provider")
		}
		apns := &APNsConfig{
			BundleID:   cfg.APNsBundleID,
			Production: cfg.APNsProduction,
		}
		// token auth wins when both are configured
		if cfg.APNsKeyPath != "" && cfg.APNsKeyID != "" && cfg.APNsTeamID != "" {
			apns.KeyPath = cfg.APNsKeyPath
			apns.KeyID = cfg.APNsKeyID
			apns.TeamID = cfg.APNsTeamID
		} else {
			apns.CertificatePath = cfg.APNsCertPath
			apns.CertificatePassword = cfg.APNsCertPassword
		}
		provider, err := NewAPNsProvider(apns)
		if err != nil {
			return nil, err
		}
		return provider, nil

	case ProviderTypeMock:
		return &MockProvider{}, nil

	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", string(providerType)))
		return &MockProvider{}, nil
	}
}
