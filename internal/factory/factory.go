// Package factory wires together every application dependency and owns its
// lifecycle from construction to shutdown.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"charity-auth-service/internal/authprovider"
	"charity-auth-service/internal/bucketing"
	"charity-auth-service/internal/client"
	"charity-auth-service/internal/config"
	"charity-auth-service/internal/encryption"
	"charity-auth-service/internal/hashing"
	"charity-auth-service/internal/model"
	"charity-auth-service/internal/repository/redis"
	"charity-auth-service/internal/repository/scylla"
	"charity-auth-service/internal/service"
	"charity-auth-service/internal/sms"
	"charity-auth-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	// Clients
	redisClient   *client.RedisClient
	scyllaClient  *scylla.ScyllaClient
	kafkaProducer *client.KafkaProducer

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.BucketingManager

	// Repositories and collaborators
	userRepository model.UserRepository
	otpRepository  model.OTPRepository
	otpThrottle    model.OTPThrottleCache
	smsDispatcher  model.SMSDispatcher
	authProvider   model.AuthProvider
	eventPublisher model.SecurityEventPublisher

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	factory.initializeManagers()
	factory.initializeCollaborators()

	go factory.cleanupExpiredChallenges()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("kms_enabled", cfg.Encryption.KMSEnabled),
	)

	return factory, nil
}

func (f *Factory) Config() *config.Config { return f.config }

// initializeClients initializes the external storage clients with health
// checks. Kafka is optional; Redis and Scylla are critical in production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if redisClient, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	if scyllaClient, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers.
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.Encryption.KMSEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			util.Fatal("Failed to load AWS configuration", util.ErrorField(err))
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	f.encryptionManager = encryption.NewManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
}

// initializeCollaborators builds repositories and the external collaborators
// behind their interfaces.
func (f *Factory) initializeCollaborators() {
	f.userRepository = scylla.NewUserRepository(f.scyllaClient, f.bucketingManager, f.encryptionManager)
	f.otpRepository = scylla.NewOTPRepository(f.scyllaClient)
	f.otpThrottle = redis.NewOTPThrottle(f.redisClient)
	f.smsDispatcher = sms.NewClient(f.config)
	f.authProvider = authprovider.NewClient(f.config)

	if f.kafkaProducer != nil {
		f.eventPublisher = client.NewKafkaEventPublisher(f.kafkaProducer, f.config.Kafka.Topic)
	} else {
		f.eventPublisher = client.NoopEventPublisher{}
	}
}

// ServiceFactory returns the service factory (singleton).
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.userRepository,
			f.otpRepository,
			f.otpThrottle,
			f.smsDispatcher,
			f.authProvider,
			f.hasher,
			f.eventPublisher,
		)
	}
	return f.serviceFactory
}

// cleanupExpiredChallenges removes expired OTP records on an interval until
// shutdown. Housekeeping only: correctness relies on the expiry check in the
// verify path, not on this loop.
func (f *Factory) cleanupExpiredChallenges() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-f.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := f.otpRepository.DeleteExpiredChallenges(ctx)
			cancel()
			if err != nil {
				util.Warn("Expired challenge cleanup failed", util.ErrorField(err))
				continue
			}
			if removed > 0 {
				util.Info("Expired challenges removed", util.Int("count", removed))
			}
		}
	}
}

// HealthCheck reports the health of every initialized dependency.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// Healthy reports overall health for the readiness endpoint. Kafka is
// advisory: event publishing degrades gracefully, so a broker outage is
// logged but never fails the check.
func (f *Factory) Healthy(ctx context.Context) error {
	healthErrors := f.HealthCheck(ctx)

	if err, ok := healthErrors["kafka"]; ok {
		util.Warn("Kafka unhealthy", util.ErrorField(err))
		delete(healthErrors, "kafka")
	}

	for name, err := range healthErrors {
		return fmt.Errorf("%s unhealthy: %w", name, err)
	}
	return nil
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Sync()
	})
	return nil
}
