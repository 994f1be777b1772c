package config

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/draftea/resilience-system/events"
	"github.com/draftea/resilience-system/infrastructure"
	"github.com/draftea/resilience-system/models"
	"github.com/draftea/resilience-system/order-service/application"
	"github.com/draftea/resilience-system/order-service/handlers"
	orderinfra "github.com/draftea/resilience-system/order-service/infrastructure"
	"github.com/draftea/resilience-system/resilience"
	"github.com/draftea/resilience-system/saga"
	"github.com/draftea/resilience-system/telemetry"
)

// Demo downstream capacities for the in-memory services
const (
	demoStock       = 1000
	demoBalanceUSD  = 10_000_00
	demoBalanceCurr = "USD"
)

type Dependencies struct {
	Logger *zap.Logger

	// Database
	DB *sqlx.DB

	// Resilience
	Breakers *resilience.Registry
	Retry    *resilience.Executor

	// Saga
	Orchestrator *saga.Orchestrator
	SagaLog      saga.Log

	// Events
	EventBus       *events.InMemoryBus
	EventPublisher events.Publisher
	SNSPublisher   *infrastructure.SNSPublisher
	SQSSubscriber  *infrastructure.SQSSubscriber

	// Use cases
	PlaceOrder *application.PlaceOrder

	// Handlers
	OrderHandlers      *handlers.OrderHandlers
	OrderEventHandlers *handlers.OrderEventHandlers
}

// BuildDependencies wires the service. The in-memory bus always runs; when an
// SNS topic is configured, events are published to both so external
// choreography participants see the same stream.
func BuildDependencies(ctx context.Context, cfg *Config, tel *telemetry.Telemetry) (*Dependencies, error) {
	deps := &Dependencies{}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	deps.Logger = logger

	// Observers
	resObserver := telemetry.NewResilienceObserver(tel)
	sagaObserver := telemetry.NewSagaObserver(tel)

	// Resilience
	deps.Breakers = resilience.NewRegistry(resilience.Config{
		FailureThreshold:         cfg.Resilience.FailureThreshold,
		HalfOpenSuccessThreshold: cfg.Resilience.HalfOpenSuccessThreshold,
		RecoveryTimeout:          cfg.Resilience.RecoveryTimeout,
	}, resilience.WithRegistryObserver(resObserver))

	deps.Retry = resilience.NewExecutor("order-downstream", resilience.Policy{
		MaxRetries: cfg.Resilience.MaxRetries,
		BaseDelay:  cfg.Resilience.BaseDelay,
		MaxDelay:   cfg.Resilience.MaxDelay,
	}, resilience.WithRetryObserver(resObserver))

	// Saga log
	deps.SagaLog = saga.NopLog{}
	if cfg.Database.Host != "" {
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.GetDatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		deps.DB = db
		deps.SagaLog = infrastructure.NewPostgresSagaLog(db)
	}

	deps.Orchestrator = saga.NewOrchestrator(
		saga.WithLog(deps.SagaLog),
		saga.WithObserver(sagaObserver),
		saga.WithLogger(logger),
		saga.WithTimeout(cfg.Resilience.SagaTimeout),
	)

	// Event transport
	deps.EventBus = events.NewInMemoryBus(logger)
	deps.EventPublisher = deps.EventBus

	if cfg.AWS.SNSTopicArn != "" {
		snsClient, err := infrastructure.NewSNSClient(ctx, awsConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS client: %w", err)
		}
		deps.SNSPublisher = infrastructure.NewSNSPublisher(snsClient, cfg.AWS.SNSTopicArn, logger)
		deps.EventPublisher = fanOutPublisher{deps.EventBus, deps.SNSPublisher}
	}

	// Downstream services (in-memory for the demo)
	inventory := orderinfra.NewInMemoryInventoryService(demoStock)
	payments := orderinfra.NewInMemoryPaymentService(
		models.NewMoney(demoBalanceUSD, demoBalanceCurr))
	shipping := orderinfra.NewInMemoryShippingService()

	// Use cases
	deps.PlaceOrder = application.NewPlaceOrder(
		inventory,
		payments,
		shipping,
		deps.Breakers,
		deps.Retry,
		deps.Orchestrator,
		deps.EventPublisher,
	)

	// Handlers
	deps.OrderHandlers = handlers.NewOrderHandlers(deps.PlaceOrder)
	deps.OrderEventHandlers = handlers.NewOrderEventHandlers(logger)
	if err := deps.OrderEventHandlers.Register(ctx, deps.EventBus); err != nil {
		return nil, fmt.Errorf("failed to register event handlers: %w", err)
	}

	// Choreography over the external broker: events published by other
	// participants arrive on the queue and fan out through the router.
	if cfg.AWS.SQSQueueURL != "" {
		sqsClient, err := infrastructure.NewSQSClient(ctx, awsConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS client: %w", err)
		}

		router := saga.NewRouter(logger)
		for _, topic := range []events.Topic{
			application.OrderPlacedTopic,
			application.OrderRejectedTopic,
			events.SagaStartedTopic,
			events.SagaCompletedTopic,
			events.SagaCompensatedTopic,
			events.SagaFailedTopic,
		} {
			router.RegisterHandler(topic, deps.OrderEventHandlers)
		}

		deps.SQSSubscriber = infrastructure.NewSQSSubscriber(sqsClient, cfg.AWS.SQSQueueURL, router, logger)
		if err := deps.SQSSubscriber.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start SQS subscriber: %w", err)
		}
	}

	return deps, nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.SQSSubscriber != nil {
		if err := d.SQSSubscriber.Stop(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop SQS subscriber: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func awsConfig(cfg *Config) infrastructure.AWSConfig {
	return infrastructure.AWSConfig{
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		Region:          cfg.AWS.Region,
		EndpointSNS:     cfg.AWS.EndpointSNS,
		EndpointSQS:     cfg.AWS.EndpointSQS,
	}
}

// fanOutPublisher publishes to every underlying publisher in order
type fanOutPublisher []events.Publisher

func (p fanOutPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	for _, pub := range p {
		if err := pub.Publish(ctx, evts...); err != nil {
			return err
		}
	}
	return nil
}
