package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatservice/internal/identity"
	"chatservice/internal/util"
	"chatservice/pkg/table"
)

var ErrNotFound = errors.New("message: not found")

const defaultPageSize = 50

// Senders resolves sender display fields. Implemented by the identity
// directory.
type Senders interface {
	GetByID(ctx context.Context, userID string) (*identity.User, error)
	BatchGet(ctx context.Context, userIDs []string) (map[string]*identity.User, error)
}

// Conversations receives activity notifications. Implemented by the
// conversation directory.
type Conversations interface {
	TouchLastMessage(ctx context.Context, conversationID, preview, timestamp string) error
	UpdateLastRead(ctx context.Context, conversationID, userID, timestamp string) error
}

// Receipts maintains read receipts next to the log. Implemented by the
// read-receipt tracker.
type Receipts interface {
	MarkRead(ctx context.Context, conversationID, messageID, userID string) error
	KeysForMessage(ctx context.Context, conversationID, messageID string) ([]table.Key, error)
}

// Log appends and reads the per-conversation message history. Collaborators
// are injected at construction.
type Log struct {
	store         table.Store
	senders       Senders
	conversations Conversations
	receipts      Receipts
	logger        *slog.Logger
	now           func() time.Time

	// fanouts tracks in-flight recency touches dispatched by Append.
	fanouts sync.WaitGroup
}

func NewLog(store table.Store, senders Senders, conversations Conversations, receipts Receipts, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:         store,
		senders:       senders,
		conversations: conversations,
		receipts:      receipts,
		logger:        logger,
		now:           time.Now,
	}
}

// Append persists a new message, then runs the activity side effects: the
// sender's own read receipt, the sender's read marker, and the conversation
// preview/recency touch. The touch rewrites one membership edge per
// participant, so it is dispatched off the calling goroutine rather than
// holding up the acknowledgement; Flush waits for it. The message survives
// even when a side effect fails; those failures are logged and absorbed.
func (l *Log) Append(ctx context.Context, conversationID, senderID, content, messageType string) (*Message, error) {
	if messageType == "" {
		messageType = TypeText
	}
	ts := util.Timestamp(l.now())
	msg := &Message{
		MessageID:      util.NewID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		MessageType:    messageType,
		Status:         StatusSent,
		EntityType:     entityTypeMessage,
		Timestamp:      ts,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	key := messageKey(conversationID, ts, msg.MessageID)
	msg.PK, msg.SK = key.PK, key.SK
	msg.GSI1PK = "USER#" + senderID
	msg.GSI1SK = key.SK

	sender, err := l.senders.GetByID(ctx, senderID)
	if err != nil {
		l.logger.Warn("sender lookup failed", "senderId", senderID, "error", err)
	}
	if sender != nil {
		msg.SenderName = sender.Name
		msg.SenderAvatar = sender.AvatarURL
	} else {
		msg.SenderName = unknownSenderName
	}

	item, err := msg.item()
	if err != nil {
		return nil, err
	}
	if err := l.store.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("message: append: %w", err)
	}

	if err := l.receipts.MarkRead(ctx, conversationID, msg.MessageID, senderID); err != nil {
		l.logger.Warn("sender receipt failed", "messageId", msg.MessageID, "error", err)
	}
	if err := l.conversations.UpdateLastRead(ctx, conversationID, senderID, ts); err != nil {
		l.logger.Warn("sender read marker failed", "conversationId", conversationID, "error", err)
	}

	touchCtx := context.WithoutCancel(ctx)
	l.fanouts.Add(1)
	go func() {
		defer l.fanouts.Done()
		if err := l.conversations.TouchLastMessage(touchCtx, conversationID, Preview(content), ts); err != nil {
			l.logger.Warn("conversation touch failed", "conversationId", conversationID, "error", err)
		}
	}()
	return msg, nil
}

// Flush blocks until the recency touch of every Append so far has finished.
// Conversation-list ordering reflects an append only after its touch lands.
func (l *Log) Flush() {
	l.fanouts.Wait()
}

// GetByID fetches one message. With a known timestamp this is a point get;
// without one it walks the conversation's message range, which is linear in
// history size.
func (l *Log) GetByID(ctx context.Context, conversationID, messageID, timestamp string) (*Message, error) {
	if timestamp != "" {
		item, err := l.store.Get(ctx, messageKey(conversationID, timestamp, messageID))
		if err != nil {
			return nil, fmt.Errorf("message: get: %w", err)
		}
		return messageFromItem(item)
	}

	q := table.Query{Partition: "CONV#" + conversationID, SortPrefix: "MSG#"}
	for {
		page, err := l.store.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("message: scan for %s: %w", messageID, err)
		}
		for _, it := range page.Items {
			if table.StringAttr(it, "messageId") == messageID {
				return messageFromItem(it)
			}
		}
		if page.LastKey == nil {
			return nil, nil
		}
		q.StartKey = page.LastKey
	}
}

// List returns one page of messages, newest first, with sender display
// fields hydrated from the identity directory in a single batch. The
// returned cursor is opaque; an empty cursor means the history is exhausted.
func (l *Log) List(ctx context.Context, conversationID string, limit int32, cursor string) ([]*Message, string, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	startKey, err := table.DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	page, err := l.store.Query(ctx, table.Query{
		Partition:  "CONV#" + conversationID,
		SortPrefix: "MSG#",
		Limit:      limit,
		Descending: true,
		StartKey:   startKey,
	})
	if err != nil {
		return nil, "", fmt.Errorf("message: list: %w", err)
	}

	msgs := make([]*Message, 0, len(page.Items))
	senderIDs := make([]string, 0, len(page.Items))
	seen := make(map[string]struct{})
	for _, it := range page.Items {
		m, err := messageFromItem(it)
		if err != nil {
			return nil, "", err
		}
		msgs = append(msgs, m)
		if _, dup := seen[m.SenderID]; !dup {
			seen[m.SenderID] = struct{}{}
			senderIDs = append(senderIDs, m.SenderID)
		}
	}

	users, err := l.senders.BatchGet(ctx, senderIDs)
	if err != nil {
		l.logger.Warn("sender hydration failed", "conversationId", conversationID, "error", err)
	}
	for _, m := range msgs {
		if u, ok := users[m.SenderID]; ok {
			m.SenderName = u.Name
			m.SenderAvatar = u.AvatarURL
		} else if m.SenderName == "" {
			m.SenderName = unknownSenderName
		}
	}
	return msgs, table.EncodeCursor(page.LastKey), nil
}

// ListBySender returns messages a user has sent across all conversations,
// oldest first, via the by-sender projection.
func (l *Log) ListBySender(ctx context.Context, senderID string, limit int32) ([]*Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	page, err := l.store.Query(ctx, table.Query{
		Index:      table.IndexGSI1,
		Partition:  "USER#" + senderID,
		SortPrefix: "MSG#",
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("message: list by sender: %w", err)
	}
	msgs := make([]*Message, 0, len(page.Items))
	for _, it := range page.Items {
		m, err := messageFromItem(it)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// UpdateContent replaces a message's content.
func (l *Log) UpdateContent(ctx context.Context, conversationID, messageID, content string) (*Message, error) {
	return l.patch(ctx, conversationID, messageID, table.NewPatch().SetString("content", content))
}

// UpdateStatus moves a message through the delivery states.
func (l *Log) UpdateStatus(ctx context.Context, conversationID, messageID, status string) (*Message, error) {
	return l.patch(ctx, conversationID, messageID, table.NewPatch().SetString("status", status))
}

func (l *Log) patch(ctx context.Context, conversationID, messageID string, patch *table.Patch) (*Message, error) {
	existing, err := l.GetByID(ctx, conversationID, messageID, "")
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrNotFound
	}
	patch.SetString("updatedAt", util.Timestamp(l.now()))
	item, err := l.store.Update(ctx, table.Key{PK: existing.PK, SK: existing.SK}, patch)
	if err != nil {
		return nil, fmt.Errorf("message: update: %w", err)
	}
	return messageFromItem(item)
}

// Delete removes a message and every read receipt attached to it in one
// transaction.
func (l *Log) Delete(ctx context.Context, conversationID, messageID string) error {
	existing, err := l.GetByID(ctx, conversationID, messageID, "")
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	keys, err := l.receipts.KeysForMessage(ctx, conversationID, messageID)
	if err != nil {
		return err
	}
	keys = append(keys, table.Key{PK: existing.PK, SK: existing.SK})
	if err := l.store.TransactDelete(ctx, keys); err != nil {
		return fmt.Errorf("message: delete: %w", err)
	}
	return nil
}
