package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chatservice/internal/util"
	"chatservice/pkg/table"
)

var (
	ErrNotFound          = errors.New("conversation: not found")
	ErrNotGroup          = errors.New("conversation: not a group conversation")
	ErrTooFewMembers     = errors.New("conversation: group needs at least two participants")
	ErrSelfConversation  = errors.New("conversation: direct conversation needs two distinct users")
	ErrNotParticipant    = errors.New("conversation: user is not a participant")
	errMissingEdgeTarget = errors.New("conversation: record points at missing metadata")
)

// touchConcurrency bounds the edge fan-out when re-sorting recency keys.
const touchConcurrency = 8

// Directory manages conversation metadata, membership edges, and the
// per-user recency ordering over them.
type Directory struct {
	store table.Store
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewDirectory(store table.Store) *Directory {
	return &Directory{
		store: store,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// lock returns the per-conversation mutex, creating it on first use.
// Membership mutations are read-modify-write over the participant list, so
// they serialize per conversation within the process.
func (d *Directory) lock(conversationID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[conversationID] = l
	}
	return l
}

// CreateOrFindDirect returns the existing direct conversation between the
// two users, or creates it. The boolean reports whether a new conversation
// was created. The metadata, both membership edges, and the pair lookup
// record land in a single transaction, conditioned on the lookup record not
// existing yet: of two concurrent first-time creators exactly one commits,
// and the loser re-reads the winner's conversation.
func (d *Directory) CreateOrFindDirect(ctx context.Context, userA, userB string) (*Conversation, bool, error) {
	if userA == userB {
		return nil, false, ErrSelfConversation
	}
	pair := sortedPair(userA, userB)

	existing, err := d.findDirect(ctx, pair)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	ts := util.Timestamp(d.now())
	conv := &Conversation{
		ConversationID: util.NewID(),
		ParticipantIDs: pair,
		Type:           TypeDirect,
		EntityType:     entityTypeConversation,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		LastMessageAt:  ts,
	}
	key := convKey(conv.ConversationID)
	conv.PK, conv.SK = key.PK, key.SK
	conv.GSI4PK = entityTypeConversation
	conv.GSI4SK = ts

	items := make([]table.Item, 0, 3)
	metaItem, err := marshal(conv)
	if err != nil {
		return nil, false, err
	}
	items = append(items, metaItem)
	for _, uid := range pair {
		edgeItem, err := marshal(d.newEdge(uid, conv.ConversationID, ts))
		if err != nil {
			return nil, false, err
		}
		items = append(items, edgeItem)
	}
	lookupKey := directLookupKey(pair)
	lookupItem, err := marshal(&directLookup{
		PK:             lookupKey.PK,
		SK:             lookupKey.SK,
		ConversationID: conv.ConversationID,
		ParticipantIDs: pair,
		EntityType:     entityTypeDirectLookup,
	})
	if err != nil {
		return nil, false, err
	}

	err = d.store.TransactPutIfAbsent(ctx, lookupItem, items)
	if errors.Is(err, table.ErrConditionFailed) {
		winner, ferr := d.findDirect(ctx, pair)
		if ferr != nil {
			return nil, false, ferr
		}
		if winner == nil {
			return nil, false, errMissingEdgeTarget
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("conversation: create direct: %w", err)
	}
	return conv, true, nil
}

// findDirect resolves the pair's dedup record to its conversation metadata,
// or nil when the pair has no conversation yet.
func (d *Directory) findDirect(ctx context.Context, pair []string) (*Conversation, error) {
	item, err := d.store.Get(ctx, directLookupKey(pair))
	if err != nil {
		return nil, fmt.Errorf("conversation: direct lookup: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	conv, err := d.GetByID(ctx, table.StringAttr(item, "conversationId"))
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, errMissingEdgeTarget
	}
	return conv, nil
}

// CreateGroup creates a named group conversation. The participant list is
// deduplicated and must end up with at least two members.
func (d *Directory) CreateGroup(ctx context.Context, participantIDs []string, name string) (*Conversation, error) {
	seen := make(map[string]struct{}, len(participantIDs))
	members := make([]string, 0, len(participantIDs))
	for _, id := range participantIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) < 2 {
		return nil, ErrTooFewMembers
	}

	ts := util.Timestamp(d.now())
	conv := &Conversation{
		ConversationID: util.NewID(),
		ParticipantIDs: members,
		Name:           name,
		Type:           TypeGroup,
		EntityType:     entityTypeConversation,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		LastMessageAt:  ts,
	}
	key := convKey(conv.ConversationID)
	conv.PK, conv.SK = key.PK, key.SK
	conv.GSI4PK = entityTypeConversation
	conv.GSI4SK = ts

	items := make([]table.Item, 0, len(members)+1)
	metaItem, err := marshal(conv)
	if err != nil {
		return nil, err
	}
	items = append(items, metaItem)
	for _, uid := range members {
		edgeItem, err := marshal(d.newEdge(uid, conv.ConversationID, ts))
		if err != nil {
			return nil, err
		}
		items = append(items, edgeItem)
	}
	if err := d.store.TransactPut(ctx, items); err != nil {
		return nil, fmt.Errorf("conversation: create group: %w", err)
	}
	return conv, nil
}

func (d *Directory) newEdge(userID, conversationID, ts string) *Membership {
	key := edgeKey(userID, conversationID)
	return &Membership{
		PK:             key.PK,
		SK:             key.SK,
		GSI1PK:         "CONV#" + conversationID,
		GSI1SK:         "USER#" + userID,
		GSI4PK:         "USER#" + userID,
		GSI4SK:         edgeRecencySortKey(ts, conversationID),
		UserID:         userID,
		ConversationID: conversationID,
		EntityType:     entityTypeMembership,
		JoinedAt:       ts,
	}
}

// GetByID returns the conversation metadata, or nil when absent.
func (d *Directory) GetByID(ctx context.Context, conversationID string) (*Conversation, error) {
	item, err := d.store.Get(ctx, convKey(conversationID))
	if err != nil {
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return conversationFromItem(item)
}

// ListForUser returns the user's conversations, most recently active first.
// Order comes from the recency index on the membership edges; the hydrated
// metadata is re-sorted on lastMessageAt as a tie-break against edges whose
// recency key lagged a concurrent touch.
func (d *Directory) ListForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	page, err := d.store.Query(ctx, table.Query{
		Index:      table.IndexGSI4,
		Partition:  "USER#" + userID,
		SortPrefix: "CONV#",
		Descending: true,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: list edges: %w", err)
	}
	if len(page.Items) == 0 {
		return []*Conversation{}, nil
	}

	keys := make([]table.Key, 0, len(page.Items))
	for _, it := range page.Items {
		keys = append(keys, convKey(table.StringAttr(it, "conversationId")))
	}
	metaItems, err := d.store.BatchGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("conversation: hydrate: %w", err)
	}
	byID := make(map[string]*Conversation, len(metaItems))
	for _, it := range metaItems {
		c, err := conversationFromItem(it)
		if err != nil {
			return nil, err
		}
		byID[c.ConversationID] = c
	}

	out := make([]*Conversation, 0, len(keys))
	for _, k := range keys {
		if c, ok := byID[k.PK[len("CONV#"):]]; ok {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt > out[j].LastMessageAt
	})
	return out, nil
}

// Participants returns the membership edges of a conversation.
func (d *Directory) Participants(ctx context.Context, conversationID string) ([]*Membership, error) {
	page, err := d.store.Query(ctx, table.Query{
		Index:      table.IndexGSI1,
		Partition:  "CONV#" + conversationID,
		SortPrefix: "USER#",
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: participants: %w", err)
	}
	out := make([]*Membership, 0, len(page.Items))
	for _, it := range page.Items {
		m, err := membershipFromItem(it)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// TouchLastMessage records new activity: the metadata preview and recency
// fields are updated, then every membership edge's recency sort key is
// rewritten so each participant's list re-sorts.
func (d *Directory) TouchLastMessage(ctx context.Context, conversationID, preview, timestamp string) error {
	patch := table.NewPatch().
		SetString("lastMessageAt", timestamp).
		SetString("lastMessagePreview", preview).
		SetString("updatedAt", timestamp).
		SetString("GSI4SK", timestamp)
	if _, err := d.store.Update(ctx, convKey(conversationID), patch); err != nil {
		return fmt.Errorf("conversation: touch metadata: %w", err)
	}

	edges, err := d.Participants(ctx, conversationID)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(touchConcurrency)
	for _, edge := range edges {
		g.Go(func() error {
			patch := table.NewPatch().SetString("GSI4SK", edgeRecencySortKey(timestamp, conversationID))
			_, err := d.store.Update(gctx, edgeKey(edge.UserID, conversationID), patch)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("conversation: touch edges: %w", err)
	}
	return nil
}

// AddParticipant adds a user to a group conversation. Adding an existing
// participant is a no-op.
func (d *Directory) AddParticipant(ctx context.Context, conversationID, userID string) (*Conversation, error) {
	l := d.lock(conversationID)
	l.Lock()
	defer l.Unlock()

	conv, err := d.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	if conv.Type != TypeGroup {
		return nil, ErrNotGroup
	}
	if conv.HasParticipant(userID) {
		return conv, nil
	}

	ts := util.Timestamp(d.now())
	members := append(append([]string{}, conv.ParticipantIDs...), userID)
	patch := table.NewPatch().
		SetStringList("participantIds", members).
		SetString("updatedAt", ts)
	item, err := d.store.Update(ctx, convKey(conversationID), patch)
	if err != nil {
		return nil, fmt.Errorf("conversation: add participant: %w", err)
	}
	edgeItem, err := marshal(d.newEdge(userID, conversationID, ts))
	if err != nil {
		return nil, err
	}
	if err := d.store.Put(ctx, edgeItem); err != nil {
		return nil, fmt.Errorf("conversation: add edge: %w", err)
	}
	return conversationFromItem(item)
}

// RemoveParticipant removes a user from a group conversation. Removing a
// non-member is a no-op.
func (d *Directory) RemoveParticipant(ctx context.Context, conversationID, userID string) (*Conversation, error) {
	l := d.lock(conversationID)
	l.Lock()
	defer l.Unlock()

	conv, err := d.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	if conv.Type != TypeGroup {
		return nil, ErrNotGroup
	}
	if !conv.HasParticipant(userID) {
		return conv, nil
	}

	ts := util.Timestamp(d.now())
	members := make([]string, 0, len(conv.ParticipantIDs)-1)
	for _, id := range conv.ParticipantIDs {
		if id != userID {
			members = append(members, id)
		}
	}
	patch := table.NewPatch().
		SetStringList("participantIds", members).
		SetString("updatedAt", ts)
	item, err := d.store.Update(ctx, convKey(conversationID), patch)
	if err != nil {
		return nil, fmt.Errorf("conversation: remove participant: %w", err)
	}
	if err := d.store.Delete(ctx, edgeKey(userID, conversationID)); err != nil {
		return nil, fmt.Errorf("conversation: remove edge: %w", err)
	}
	return conversationFromItem(item)
}

// Rename sets a group conversation's display name.
func (d *Directory) Rename(ctx context.Context, conversationID, name string) (*Conversation, error) {
	conv, err := d.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	if conv.Type != TypeGroup {
		return nil, ErrNotGroup
	}
	patch := table.NewPatch().
		SetString("name", name).
		SetString("updatedAt", util.Timestamp(d.now()))
	item, err := d.store.Update(ctx, convKey(conversationID), patch)
	if err != nil {
		return nil, fmt.Errorf("conversation: rename: %w", err)
	}
	return conversationFromItem(item)
}

// UpdateLastRead moves the user's read marker on their membership edge.
func (d *Directory) UpdateLastRead(ctx context.Context, conversationID, userID, timestamp string) error {
	edge, err := d.store.Get(ctx, edgeKey(userID, conversationID))
	if err != nil {
		return fmt.Errorf("conversation: read marker lookup: %w", err)
	}
	if edge == nil {
		return ErrNotParticipant
	}
	patch := table.NewPatch().SetString("lastReadTimestamp", timestamp)
	if _, err := d.store.Update(ctx, edgeKey(userID, conversationID), patch); err != nil {
		return fmt.Errorf("conversation: update read marker: %w", err)
	}
	return nil
}

// LastRead returns the user's read marker for a conversation. The boolean
// reports whether the membership edge exists at all.
func (d *Directory) LastRead(ctx context.Context, conversationID, userID string) (string, bool, error) {
	item, err := d.store.Get(ctx, edgeKey(userID, conversationID))
	if err != nil {
		return "", false, fmt.Errorf("conversation: read marker: %w", err)
	}
	if item == nil {
		return "", false, nil
	}
	m, err := membershipFromItem(item)
	if err != nil {
		return "", false, err
	}
	return m.LastReadTimestamp, true, nil
}
