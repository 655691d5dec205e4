package job

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
}

func NewAMQPPublisher(url string, logger watermill.LoggerAdapter) (*amqp.Publisher, error) {
	return amqp.NewPublisher(amqp.NewDurableQueueConfig(url), logger)
}

func NewAMQPSubscriber(url string, logger watermill.LoggerAdapter) (*amqp.Subscriber, error) {
	cfg := amqp.NewDurableQueueConfig(url)
	cfg.Consume.NoRequeueOnNack = true
	return amqp.NewSubscriber(cfg, logger)
}

// NewRouter builds the worker router: every message on JobsTopic is handed to
// the service, with panics recovered and failures retried.
func NewRouter(subscriber message.Subscriber, svc *JobService, retry RetryConfig, logger watermill.LoggerAdapter) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, err
	}
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 3
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = time.Second
	}

	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:      retry.MaxRetries,
			InitialInterval: retry.InitialInterval,
			Logger:          logger,
		}.Middleware,
	)

	router.AddNoPublisherHandler(
		"job_processor",
		JobsTopic,
		subscriber,
		svc.ProcessJobMessage,
	)
	return router, nil
}
