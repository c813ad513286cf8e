package message

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"

	"chatservice/pkg/table"
)

// Default message type when the caller does not specify one.
const TypeText = "text"

// Message statuses.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

const entityTypeMessage = "MESSAGE"

// previewLength bounds the conversation preview derived from new content.
const previewLength = 50

const unknownSenderName = "Unknown User"

// Message is one log entry in a conversation. Sender display fields are
// denormalized at write time so a single-item read renders without a join;
// reads still re-hydrate them so renames propagate.
type Message struct {
	PK     string `dynamodbav:"PK" json:"-"`
	SK     string `dynamodbav:"SK" json:"-"`
	GSI1PK string `dynamodbav:"GSI1PK" json:"-"`
	GSI1SK string `dynamodbav:"GSI1SK" json:"-"`

	MessageID      string `dynamodbav:"messageId" json:"messageId"`
	ConversationID string `dynamodbav:"conversationId" json:"conversationId"`
	SenderID       string `dynamodbav:"senderId" json:"senderId"`
	Content        string `dynamodbav:"content" json:"content"`
	MessageType    string `dynamodbav:"messageType" json:"messageType"`
	Status         string `dynamodbav:"status" json:"status"`
	EntityType     string `dynamodbav:"entityType" json:"-"`
	Timestamp      string `dynamodbav:"timestamp" json:"timestamp"`
	CreatedAt      string `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt      string `dynamodbav:"updatedAt" json:"updatedAt"`
	SenderName     string `dynamodbav:"senderName" json:"senderName"`
	SenderAvatar   string `dynamodbav:"senderAvatar" json:"senderAvatar"`
}

func messageSortKey(timestamp, messageID string) string {
	return "MSG#" + timestamp + "#" + messageID
}

func messageKey(conversationID, timestamp, messageID string) table.Key {
	return table.Key{PK: "CONV#" + conversationID, SK: messageSortKey(timestamp, messageID)}
}

// Preview derives the conversation list preview from content.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength]) + "..."
}

func (m *Message) item() (table.Item, error) {
	item, err := attributevalue.MarshalMap(m)
	if err != nil {
		return nil, fmt.Errorf("message: marshal: %w", err)
	}
	return item, nil
}

func messageFromItem(item table.Item) (*Message, error) {
	if item == nil {
		return nil, nil
	}
	var m Message
	if err := attributevalue.UnmarshalMap(item, &m); err != nil {
		return nil, fmt.Errorf("message: unmarshal: %w", err)
	}
	return &m, nil
}
