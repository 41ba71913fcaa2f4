package service

import (
	"charity-auth-service/internal/config"
	"charity-auth-service/internal/hashing"
	"charity-auth-service/internal/model"
)

// ServiceFactory creates and caches service instances.
type ServiceFactory struct {
	cfg      *config.Config
	users    model.UserRepository
	otps     model.OTPRepository
	throttle model.OTPThrottleCache
	sms      model.SMSDispatcher
	provider model.AuthProvider
	hasher   *hashing.Hasher
	events   model.SecurityEventPublisher

	issuer   *OTPIssuer
	verifier *OTPVerifier
}

func NewServiceFactory(
	cfg *config.Config,
	users model.UserRepository,
	otps model.OTPRepository,
	throttle model.OTPThrottleCache,
	dispatcher model.SMSDispatcher,
	provider model.AuthProvider,
	hasher *hashing.Hasher,
	events model.SecurityEventPublisher,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:      cfg,
		users:    users,
		otps:     otps,
		throttle: throttle,
		sms:      dispatcher,
		provider: provider,
		hasher:   hasher,
		events:   events,
	}
}

// Issuer returns the OTP issuer instance (singleton).
func (f *ServiceFactory) Issuer() *OTPIssuer {
	if f.issuer == nil {
		f.issuer = NewOTPIssuer(f.cfg, f.users, f.otps, f.throttle, f.sms, f.hasher, f.events)
	}
	return f.issuer
}

// Verifier returns the OTP verifier instance (singleton).
func (f *ServiceFactory) Verifier() *OTPVerifier {
	if f.verifier == nil {
		f.verifier = NewOTPVerifier(f.cfg, f.users, f.otps, f.throttle, f.provider, f.hasher, f.events)
	}
	return f.verifier
}
