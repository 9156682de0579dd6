package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"payment-orchestration-backend/internal/config"
)

type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	log    logrus.FieldLogger
}

// NewPubSub connects to the configured project and makes sure the topic
// exists. Without PUBSUB_CREDENTIALS_JSON it uses application default
// credentials.
func NewPubSub(ctx context.Context, cfg config.PubSubConfig, log logrus.FieldLogger) (*PubSub, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, errors.New("pubsub project id and topic are required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(cfg.Topic)
	ok, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("check topic %q: %w", cfg.Topic, err)
	}
	if !ok {
		if topic, err = client.CreateTopic(ctx, cfg.Topic); err != nil {
			client.Close()
			return nil, fmt.Errorf("create topic %q: %w", cfg.Topic, err)
		}
	}
	topic.EnableMessageOrdering = true

	log.WithFields(logrus.Fields{"project_id": cfg.ProjectID, "topic": cfg.Topic}).Info("pubsub publisher ready")
	return &PubSub{client: client, topic: topic, log: log}, nil
}

// Publish blocks until the broker acknowledges the message. Events of one
// transaction share an ordering key so consumers see them in order.
func (p *PubSub) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: ev.TransactionID.String(),
		Attributes: map[string]string{
			"type":     string(ev.Type),
			"provider": ev.Provider,
		},
	})
	id, err := res.Get(ctx)
	if err != nil {
		// A failed publish pauses the ordering key until resumed.
		p.topic.ResumePublish(ev.TransactionID.String())
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	p.log.WithFields(logrus.Fields{"event": ev.Type, "message_id": id, "transaction_id": ev.TransactionID}).Debug("event published")
	return nil
}

func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
