package table

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// Page cursors round-trip the store's pagination key through clients as an
// opaque token. They only carry the primary key pair; cursors are never
// authoritative for access control, which callers enforce separately with a
// membership check before querying.

type cursorPayload struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

// EncodeCursor serializes a page's LastKey; returns "" for a nil key.
func EncodeCursor(lastKey Item) string {
	if len(lastKey) == 0 {
		return ""
	}
	payload := cursorPayload{
		PK: StringAttr(lastKey, "PK"),
		SK: StringAttr(lastKey, "SK"),
	}
	raw, _ := json.Marshal(payload)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an opaque cursor back into a start key.
func DecodeCursor(cursor string) (Item, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, errors.New("table: malformed page cursor")
	}
	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.New("table: malformed page cursor")
	}
	if payload.PK == "" || payload.SK == "" {
		return nil, errors.New("table: malformed page cursor")
	}
	return keyAttrs(Key{PK: payload.PK, SK: payload.SK}), nil
}
