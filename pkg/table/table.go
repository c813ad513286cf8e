// Package table wraps the single logical chat table. All durable entities
// (users, conversations, membership edges, messages, read receipts) live in
// one table addressed by a composite PK/SK pair, with secondary access
// patterns served by global secondary indexes.
package table

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrConditionFailed reports a transactional write whose guard item already
// existed; the caller lost a create race and should re-read.
var ErrConditionFailed = errors.New("table: condition failed")

// Item is one stored record, in DynamoDB attribute-value form.
type Item = map[string]types.AttributeValue

// Key addresses one item on the primary index.
type Key struct {
	PK string
	SK string
}

// Secondary index names. GSI1 is overloaded per entity type: email lookup
// for users, participant edges for conversations, sender index for messages.
const (
	IndexGSI1 = "GSI1"
	IndexGSI2 = "GSI2"
	IndexGSI3 = "GSI3"
	IndexGSI4 = "GSI4"
)

type indexKeys struct {
	pk string
	sk string
}

// primary index is addressed by the empty string.
var indexAttrs = map[string]indexKeys{
	"":        {pk: "PK", sk: "SK"},
	IndexGSI1: {pk: "GSI1PK", sk: "GSI1SK"},
	IndexGSI2: {pk: "GSI2PK", sk: "GSI2SK"},
	IndexGSI3: {pk: "GSI3PK", sk: "GSI3SK"},
	IndexGSI4: {pk: "GSI4PK", sk: "GSI4SK"},
}

// Query describes one structured key-condition query. Callers never build
// raw expression strings; each implementation translates these fields into
// its native form.
type Query struct {
	// Index selects a secondary index; empty means the primary index.
	Index string
	// Partition is the value of the index partition attribute.
	Partition string
	// SortPrefix, when set, restricts to sort keys with this prefix.
	SortPrefix string
	// SortAfter, when set, restricts to sort keys strictly greater than it.
	// Mutually exclusive with SortPrefix.
	SortAfter string
	// Limit bounds the page size; zero means no bound.
	Limit int32
	// Descending reverses the sort-key order (newest first for messages).
	Descending bool
	// StartKey resumes a paginated query; it is the LastKey of the
	// previous page and is exclusive.
	StartKey Item
}

// Page is one bounded query result. LastKey is non-nil when more items
// remain; feed it back as StartKey to continue.
type Page struct {
	Items   []Item
	LastKey Item
}

// Store is the single-table adapter used by every directory. Get returns
// (nil, nil) when the item is absent. Update has upsert semantics and
// returns the new item image. The transactional operations apply
// all-or-nothing. TransactPutIfAbsent additionally conditions the whole
// transaction on the guard item's key not existing yet, failing with
// ErrConditionFailed when another writer got there first.
type Store interface {
	Get(ctx context.Context, key Key) (Item, error)
	Put(ctx context.Context, item Item) error
	Update(ctx context.Context, key Key, patch *Patch) (Item, error)
	Delete(ctx context.Context, key Key) error
	Query(ctx context.Context, q Query) (Page, error)
	BatchGet(ctx context.Context, keys []Key) ([]Item, error)
	TransactPut(ctx context.Context, items []Item) error
	TransactPutIfAbsent(ctx context.Context, guard Item, items []Item) error
	TransactDelete(ctx context.Context, keys []Key) error
}

// StringAttr reads a string attribute from an item, returning "" when the
// attribute is absent or not string-typed.
func StringAttr(item Item, name string) string {
	if item == nil {
		return ""
	}
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// ItemKey extracts the primary key of an item.
func ItemKey(item Item) Key {
	return Key{PK: StringAttr(item, "PK"), SK: StringAttr(item, "SK")}
}
