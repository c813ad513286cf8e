package conversation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"

	"chatservice/pkg/table"
)

// Conversation types.
const (
	TypeDirect = "direct"
	TypeGroup  = "group"
)

const (
	entityTypeConversation = "CONVERSATION"
	entityTypeMembership   = "USER_CONVERSATION"
	entityTypeDirectLookup = "DIRECT_LOOKUP"
)

// Conversation is the metadata record for one channel.
type Conversation struct {
	PK     string `dynamodbav:"PK" json:"-"`
	SK     string `dynamodbav:"SK" json:"-"`
	GSI4PK string `dynamodbav:"GSI4PK" json:"-"`
	GSI4SK string `dynamodbav:"GSI4SK" json:"-"`

	ConversationID     string   `dynamodbav:"conversationId" json:"conversationId"`
	ParticipantIDs     []string `dynamodbav:"participantIds" json:"participantIds"`
	Name               string   `dynamodbav:"name" json:"name"`
	Type               string   `dynamodbav:"type" json:"type"`
	EntityType         string   `dynamodbav:"entityType" json:"-"`
	CreatedAt          string   `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt          string   `dynamodbav:"updatedAt" json:"updatedAt"`
	LastMessageAt      string   `dynamodbav:"lastMessageAt" json:"lastMessageAt"`
	LastMessagePreview string   `dynamodbav:"lastMessagePreview" json:"lastMessagePreview"`
}

// HasParticipant reports membership by the metadata participant list.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Membership is the edge record linking one user to one conversation. Its
// GSI1 projection answers "participants of conversation"; GSI4 embeds the
// last-activity timestamp so each user's conversation list sorts
// index-native by recency.
type Membership struct {
	PK     string `dynamodbav:"PK" json:"-"`
	SK     string `dynamodbav:"SK" json:"-"`
	GSI1PK string `dynamodbav:"GSI1PK" json:"-"`
	GSI1SK string `dynamodbav:"GSI1SK" json:"-"`
	GSI4PK string `dynamodbav:"GSI4PK" json:"-"`
	GSI4SK string `dynamodbav:"GSI4SK" json:"-"`

	UserID            string `dynamodbav:"userId" json:"userId"`
	ConversationID    string `dynamodbav:"conversationId" json:"conversationId"`
	EntityType        string `dynamodbav:"entityType" json:"-"`
	JoinedAt          string `dynamodbav:"joinedAt" json:"joinedAt"`
	LastReadTimestamp string `dynamodbav:"lastReadTimestamp" json:"lastReadTimestamp"`
}

type directLookup struct {
	PK             string   `dynamodbav:"PK"`
	SK             string   `dynamodbav:"SK"`
	ConversationID string   `dynamodbav:"conversationId"`
	ParticipantIDs []string `dynamodbav:"participantIds"`
	EntityType     string   `dynamodbav:"entityType"`
}

func convKey(conversationID string) table.Key {
	return table.Key{PK: "CONV#" + conversationID, SK: "#METADATA#" + conversationID}
}

func edgeKey(userID, conversationID string) table.Key {
	return table.Key{PK: "USER#" + userID, SK: "CONV#" + conversationID}
}

// sortedPair canonicalizes a two-party conversation key.
func sortedPair(a, b string) []string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair
}

func directPartition(pair []string) string {
	return "DIRECT#" + strings.Join(pair, "#")
}

// directLookupKey addresses the single dedup record of a user pair. The
// fixed sort key is what lets a create-only condition detect a racing
// creator: both racers contend on the same key.
func directLookupKey(pair []string) table.Key {
	return table.Key{PK: directPartition(pair), SK: "LOOKUP"}
}

func edgeRecencySortKey(timestamp, conversationID string) string {
	return "CONV#" + timestamp + "#" + conversationID
}

func marshal(v any) (table.Item, error) {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return nil, fmt.Errorf("conversation: marshal: %w", err)
	}
	return item, nil
}

func conversationFromItem(item table.Item) (*Conversation, error) {
	if item == nil {
		return nil, nil
	}
	var c Conversation
	if err := attributevalue.UnmarshalMap(item, &c); err != nil {
		return nil, fmt.Errorf("conversation: unmarshal: %w", err)
	}
	return &c, nil
}

func membershipFromItem(item table.Item) (*Membership, error) {
	if item == nil {
		return nil, nil
	}
	var m Membership
	if err := attributevalue.UnmarshalMap(item, &m); err != nil {
		return nil, fmt.Errorf("conversation: unmarshal edge: %w", err)
	}
	return &m, nil
}
