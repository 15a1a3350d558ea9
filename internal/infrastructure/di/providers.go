// Package di wires the application from its configuration.
package di

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"go.uber.org/zap"

	"loom-backend/internal/config"
	"loom-backend/internal/infrastructure/messaging"
	"loom-backend/internal/infrastructure/observability"
	"loom-backend/internal/infrastructure/persistence"
	"loom-backend/internal/service/document"
	"loom-backend/internal/service/llm"
)

// ProvideLogger creates the application logger
func ProvideLogger(cfg *config.Config) (*zap.Logger, func(), error) {
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = logger.Sync()
	}
	return logger.With(zap.String("environment", string(cfg.Environment))), cleanup, nil
}

// ProvideCollector creates the metrics collector. It is always built; the
// config only decides whether it is served.
func ProvideCollector(cfg *config.Config) *observability.Collector {
	return observability.NewCollector(cfg.Metrics.Namespace)
}

// ProvideTracer installs the global tracer provider
func ProvideTracer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (observability.ShutdownFunc, func(), error) {
	shutdown, err := observability.InitTracer(ctx, cfg.Tracing, string(cfg.Environment))
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
	return shutdown, cleanup, nil
}

// ProvideAWSConfig creates AWS configuration
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Storage.Region),
	)
}

// ProvideDynamoDBClient creates a DynamoDB client, pointed at
// storage.endpoint when one is configured.
func ProvideDynamoDBClient(awsCfg aws.Config, cfg *config.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
		}
	})
}

// ProvideEventBridgeClient creates an EventBridge client
func ProvideEventBridgeClient(awsCfg aws.Config) *awseventbridge.Client {
	return awseventbridge.NewFromConfig(awsCfg)
}

// ProvideStore creates the document store selected by storage.backend
func ProvideStore(cfg *config.Config, client *awsdynamodb.Client, logger *zap.Logger) (document.Store, error) {
	if cfg.Storage.Backend == "dynamodb" {
		return persistence.NewDynamoStore(client, cfg.Storage.TableName, logger), nil
	}
	store, err := persistence.NewFileStore(cfg.Storage.Dir, persistence.Format(cfg.Storage.Format), logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// ProvideGenerator creates the text generator selected by
// generation.provider. Remote providers are wrapped with retries, a circuit
// breaker and a rate limit.
func ProvideGenerator(cfg *config.Config, logger *zap.Logger) (llm.Generator, error) {
	if cfg.Generation.Provider != "openai" {
		return llm.NewMockGenerator(), nil
	}
	openAI, err := llm.NewOpenAIGenerator(llm.OpenAIConfig{
		APIKey:  cfg.Generation.APIKey,
		BaseURL: cfg.Generation.BaseURL,
		Model:   cfg.Generation.Settings.Model,
	}, logger)
	if err != nil {
		return nil, err
	}
	return llm.NewResilientGenerator(openAI, cfg.Resilience, logger), nil
}

// ProvideEventSink starts the sink publishing tree changes to EventBridge.
// It returns nil when events are disabled.
func ProvideEventSink(cfg *config.Config, client *awseventbridge.Client, logger *zap.Logger) (*messaging.Sink, func(), error) {
	if !cfg.Events.Enabled {
		return nil, func() {}, nil
	}
	publisher := messaging.NewEventBridgePublisher(client, cfg.Events.EventBusName, cfg.Events.Source, logger)
	sink := messaging.NewSink(publisher, messaging.DefaultSinkBuffer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go sink.Run(ctx)

	cleanup := func() {
		sink.Close()
		select {
		case <-sink.Done():
		case <-time.After(10 * time.Second):
			logger.Warn("Timed out flushing events", zap.Int64("dropped", sink.Dropped()))
		}
		cancel()
	}
	logger.Info("Publishing tree changes",
		zap.String("event_bus", cfg.Events.EventBusName),
		zap.String("source", cfg.Events.Source),
	)
	return sink, cleanup, nil
}
