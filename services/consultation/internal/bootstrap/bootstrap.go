// Package bootstrap builds the consultation service's outbound clients from
// config. The server binary and the operator CLI share it.
package bootstrap

import (
	"fmt"
	"os"
	"time"

	"medconsult/internal/servicetoken"
	"medconsult/pkg/ai"
	"medconsult/pkg/inference"
	"medconsult/pkg/ledger"
	"medconsult/pkg/queue"
	"medconsult/services/consultation/internal/config"
)

// Inference returns the gateway for the configured provider.
func Inference(cfg config.InferenceConfig) (inference.Gateway, error) {
	timeout := config.MustDuration(cfg.Timeout, 60*time.Second)
	var model ai.ChatModel
	switch cfg.Provider {
	case "remote":
		return inference.NewHTTPGateway(cfg.BaseURL, timeout)
	case "openai-compat":
		model = ai.NewOpenAICompatModel(cfg.BaseURL, cfg.APIKey, cfg.Model, timeout)
	case "openai":
		m, err := ai.NewOpenAIModel(cfg.APIKey, cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, err
		}
		model = m
	case "gemini":
		m, err := ai.NewGeminiModel(cfg.APIKey, cfg.BaseURL, cfg.Model, timeout)
		if err != nil {
			return nil, err
		}
		model = m
	case "ollama":
		model = ai.NewOllamaModel(cfg.BaseURL, cfg.Model, timeout)
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
	return inference.NewLLMGateway(model), nil
}

// Ledger returns an HTTP ledger client that signs its calls with the
// service's RS256 key.
func Ledger(cfg config.LedgerConfig) (*ledger.HTTPClient, error) {
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		PrivateKeyPath: cfg.PrivateKeyPath,
		KeyID:          cfg.KeyID,
		Issuer:         cfg.Issuer,
	})
	if err != nil {
		return nil, fmt.Errorf("init service token signer: %w", err)
	}
	return ledger.NewHTTPClient(cfg.BaseURL, signer, config.MustDuration(cfg.Timeout, 10*time.Second))
}

// Queue opens the configured job queue backend.
func Queue(cfg config.FileConfig) (queue.JobQueue, error) {
	retryDelay := config.MustDuration(cfg.Queue.RetryDelay, 5*time.Second)
	switch cfg.Queue.Backend {
	case "rabbitmq":
		return queue.NewAMQPJobQueue(queue.AMQPQueueConfig{
			URL:        cfg.Queue.AMQPURL,
			Queue:      cfg.Queue.Name,
			MaxRetries: cfg.Queue.MaxRetries,
			RetryDelay: retryDelay,
		})
	default:
		hostname, _ := os.Hostname()
		return queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     cfg.Queue.Name,
			Group:      cfg.Queue.Group,
			Consumer:   hostname,
			MaxRetries: cfg.Queue.MaxRetries,
			RetryDelay: retryDelay,
		})
	}
}
