package receipt

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"

	"chatservice/internal/util"
	"chatservice/pkg/table"
)

const entityTypeReceipt = "READ_RECEIPT"

// Receipt records that a user has read one message. Its GSI3 projection
// answers "everything this user has read".
type Receipt struct {
	PK     string `dynamodbav:"PK" json:"-"`
	SK     string `dynamodbav:"SK" json:"-"`
	GSI3PK string `dynamodbav:"GSI3PK" json:"-"`
	GSI3SK string `dynamodbav:"GSI3SK" json:"-"`

	MessageID      string `dynamodbav:"messageId" json:"messageId"`
	ConversationID string `dynamodbav:"conversationId" json:"conversationId"`
	UserID         string `dynamodbav:"userId" json:"userId"`
	ReadAt         string `dynamodbav:"readAt" json:"readAt"`
	EntityType     string `dynamodbav:"entityType" json:"-"`
}

func receiptPartition(conversationID, messageID string) string {
	return "RECEIPT#" + conversationID + "#" + messageID
}

func receiptKey(conversationID, messageID, userID string) table.Key {
	return table.Key{PK: receiptPartition(conversationID, messageID), SK: "USER#" + userID}
}

// Memberships supplies per-user read markers. Implemented by the
// conversation directory.
type Memberships interface {
	LastRead(ctx context.Context, conversationID, userID string) (string, bool, error)
}

// Tracker stores read receipts and derives unread counts from them and the
// membership read markers.
type Tracker struct {
	store       table.Store
	memberships Memberships
	now         func() time.Time
}

func NewTracker(store table.Store, memberships Memberships) *Tracker {
	return &Tracker{store: store, memberships: memberships, now: time.Now}
}

// MarkRead records that the user has read the message. Re-marking is
// harmless; the receipt is simply rewritten.
func (t *Tracker) MarkRead(ctx context.Context, conversationID, messageID, userID string) error {
	key := receiptKey(conversationID, messageID, userID)
	r := &Receipt{
		PK:             key.PK,
		SK:             key.SK,
		GSI3PK:         "USER#" + userID,
		GSI3SK:         receiptPartition(conversationID, messageID),
		MessageID:      messageID,
		ConversationID: conversationID,
		UserID:         userID,
		ReadAt:         util.Timestamp(t.now()),
		EntityType:     entityTypeReceipt,
	}
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return fmt.Errorf("receipt: marshal: %w", err)
	}
	if err := t.store.Put(ctx, item); err != nil {
		return fmt.Errorf("receipt: mark read: %w", err)
	}
	return nil
}

// HasRead reports whether a receipt exists for the pair.
func (t *Tracker) HasRead(ctx context.Context, conversationID, messageID, userID string) (bool, error) {
	item, err := t.store.Get(ctx, receiptKey(conversationID, messageID, userID))
	if err != nil {
		return false, fmt.Errorf("receipt: has read: %w", err)
	}
	return item != nil, nil
}

// ListReadersOf returns every receipt on a message.
func (t *Tracker) ListReadersOf(ctx context.Context, conversationID, messageID string) ([]*Receipt, error) {
	page, err := t.store.Query(ctx, table.Query{
		Partition:  receiptPartition(conversationID, messageID),
		SortPrefix: "USER#",
	})
	if err != nil {
		return nil, fmt.Errorf("receipt: list readers: %w", err)
	}
	return receiptsFromItems(page.Items)
}

// ListByUserInConversation returns the user's receipts within one
// conversation, via the by-user projection.
func (t *Tracker) ListByUserInConversation(ctx context.Context, conversationID, userID string) ([]*Receipt, error) {
	page, err := t.store.Query(ctx, table.Query{
		Index:      table.IndexGSI3,
		Partition:  "USER#" + userID,
		SortPrefix: "RECEIPT#" + conversationID + "#",
	})
	if err != nil {
		return nil, fmt.Errorf("receipt: list by user: %w", err)
	}
	return receiptsFromItems(page.Items)
}

// KeysForMessage returns the primary keys of every receipt on a message,
// for cascading deletes.
func (t *Tracker) KeysForMessage(ctx context.Context, conversationID, messageID string) ([]table.Key, error) {
	receipts, err := t.ListReadersOf(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	keys := make([]table.Key, 0, len(receipts))
	for _, r := range receipts {
		keys = append(keys, table.Key{PK: r.PK, SK: r.SK})
	}
	return keys, nil
}

// UnreadCount counts messages in the conversation past the user's read
// marker. A user with no membership edge has nothing unread. The boundary
// is strict: a message stamped exactly at the marker is the reader's own
// send and does not count.
func (t *Tracker) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	lastRead, member, err := t.memberships.LastRead(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if !member {
		return 0, nil
	}

	q := table.Query{Partition: "CONV#" + conversationID}
	if lastRead == "" {
		q.SortPrefix = "MSG#"
	} else {
		// '~' sorts after every id character, so the bound excludes all
		// messages stamped at exactly lastRead. Nothing in a conversation
		// partition sorts beyond the MSG# range, so no prefix is needed.
		q.SortAfter = "MSG#" + lastRead + "#~"
	}
	count := 0
	for {
		page, err := t.store.Query(ctx, q)
		if err != nil {
			return 0, fmt.Errorf("receipt: unread count: %w", err)
		}
		count += len(page.Items)
		if page.LastKey == nil {
			return count, nil
		}
		q.StartKey = page.LastKey
	}
}

func receiptsFromItems(items []table.Item) ([]*Receipt, error) {
	out := make([]*Receipt, 0, len(items))
	for _, it := range items {
		var r Receipt
		if err := attributevalue.UnmarshalMap(it, &r); err != nil {
			return nil, fmt.Errorf("receipt: unmarshal: %w", err)
		}
		out = append(out, &r)
	}
	return out, nil
}
