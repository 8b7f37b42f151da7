package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
)

// Sender publishes JSON messages to a single queue. The message id lets
// Service Bus duplicate detection drop resends of the same logical message.
type Sender interface {
	SendMessage(ctx context.Context, messageID string, body interface{}) error
	Close(ctx context.Context) error
}

// ServiceBusSender implements Sender on an Azure Service Bus queue
type ServiceBusSender struct {
	sender    *azservicebus.Sender
	queueName string
	source    string
}

// NewServiceBusClient creates a Service Bus client from a connection string
func NewServiceBusClient(connectionString string) (*azservicebus.Client, error) {
	if connectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}
	return client, nil
}

// NewServiceBusSender creates a sender for queueName on client. source is
// stamped on every message as an application property.
func NewServiceBusSender(client *azservicebus.Client, queueName, source string) (*ServiceBusSender, error) {
	if queueName == "" {
		return nil, errors.New("Service Bus queue name is empty")
	}

	sender, err := client.NewSender(queueName, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Service Bus sender for %s", queueName)
	}

	return &ServiceBusSender{
		sender:    sender,
		queueName: queueName,
		source:    source,
	}, nil
}

// SendMessage sends body as JSON
func (s *ServiceBusSender) SendMessage(ctx context.Context, messageID string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message body")
	}

	contentType := "application/json"
	msg := &azservicebus.Message{
		Body:        data,
		ContentType: &contentType,
		ApplicationProperties: map[string]interface{}{
			"source": s.source,
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}
	if messageID != "" {
		msg.MessageID = &messageID
	}

	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to send message to %s", s.queueName)
	}
	return nil
}

// Close closes the sender. The shared client is closed by its owner.
func (s *ServiceBusSender) Close(ctx context.Context) error {
	if s.sender == nil {
		return nil
	}
	return s.sender.Close(ctx)
}

var _ Sender = (*ServiceBusSender)(nil)
