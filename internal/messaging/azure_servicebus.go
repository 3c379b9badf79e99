package messaging

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"example.com/cardvault/services/sync/config"
)

// MessageHandler processes one inbound webhook body. A nil return
// completes the message; an error abandons it for redelivery.
type MessageHandler func(ctx context.Context, body []byte) error

// Receiver consumes storefront and payment webhooks from an Azure
// Service Bus queue.
type Receiver struct {
	client    *azservicebus.Client
	receiver  *azservicebus.Receiver
	queueName string
}

// NewReceiver creates a new Service Bus receiver for the webhook queue
func NewReceiver(cfg config.AzureConfig) (*Receiver, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	receiver, err := client.NewReceiverForQueue(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus receiver: %w", err)
	}

	return &Receiver{
		client:    client,
		receiver:  receiver,
		queueName: cfg.QueueName,
	}, nil
}

// ProcessMessages receives webhook messages in batches until ctx is
// cancelled. Failed handlers abandon the message so the queue redelivers
// it; the dedupe layer downstream keeps redelivery harmless.
func (r *Receiver) ProcessMessages(ctx context.Context, handler MessageHandler) error {
	for {
		messages, err := r.receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive messages: %w", err)
		}

		for _, message := range messages {
			if err := handler(ctx, message.Body); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Webhook handler failed, abandoning message")
				if err := r.receiver.AbandonMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to abandon message")
				}
				continue
			}

			if err := r.receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
			}
		}
	}
}

// Close closes the receiver and the underlying client
func (r *Receiver) Close() error {
	if r.receiver != nil {
		if err := r.receiver.Close(context.Background()); err != nil {
			return err
		}
	}
	if r.client != nil {
		return r.client.Close(context.Background())
	}
	return nil
}
