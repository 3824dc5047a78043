package storage

import (
	"context"

	"github.com/bytedance/sonic"

	"progress-api/domain"
)

// QueueMessage is a command message received from the queue.
type QueueMessage struct {
	ID         string
	PopReceipt string
	Text       string
	// DequeueCount is how many times the message has been handed out.
	DequeueCount int64
}

// EnqueueCommands sends the given commands to the command queue.
func (s *Storage) EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error {
	for _, cmd := range cmds {
		env := domain.CommandEnvelope{UserID: userID, Command: cmd}
		data, err := sonic.MarshalString(env)
		if err != nil {
			return err
		}
		if _, err := s.queue.EnqueueMessage(ctx, data, nil); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue retrieves a single message from the command queue. It returns nil
// when the queue is empty.
func (s *Storage) Dequeue(ctx context.Context) (*QueueMessage, error) {
	resp, err := s.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	m := resp.Messages[0]
	msg := &QueueMessage{}
	if m.MessageID != nil {
		msg.ID = *m.MessageID
	}
	if m.PopReceipt != nil {
		msg.PopReceipt = *m.PopReceipt
	}
	if m.MessageText != nil {
		msg.Text = *m.MessageText
	}
	if m.DequeueCount != nil {
		msg.DequeueCount = *m.DequeueCount
	}
	return msg, nil
}

// Delete removes a processed message from the queue.
func (s *Storage) Delete(ctx context.Context, msg *QueueMessage) error {
	_, err := s.queue.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	return err
}
