// Package identity is the user directory: registration, email lookup,
// name-prefix search, batch hydration and credential verification.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatservice/internal/usertoken"
	"chatservice/internal/util"
	"chatservice/pkg/auth"
	"chatservice/pkg/table"
)

var (
	// ErrDuplicateEmail reports a registration against an email that is
	// already taken (case-insensitive).
	ErrDuplicateEmail = errors.New("email is already registered")
	// ErrUnknownEmail and ErrWrongPassword are distinct internally; the
	// HTTP layer decides how much to reveal to the caller.
	ErrUnknownEmail  = errors.New("no user with this email")
	ErrWrongPassword = errors.New("password does not match")
	// ErrEmptyPatch reports a profile update naming no allowed field.
	ErrEmptyPatch = errors.New("no updatable fields provided")
)

// Directory implements user persistence and credential verification on the
// shared table. Password hashing and token minting are injected
// capabilities.
type Directory struct {
	store  table.Store
	hasher auth.PasswordHasher
	tokens *usertoken.Manager
	now    func() time.Time
}

// NewDirectory wires the directory.
func NewDirectory(store table.Store, hasher auth.PasswordHasher, tokens *usertoken.Manager) *Directory {
	return &Directory{store: store, hasher: hasher, tokens: tokens, now: time.Now}
}

// Create registers a user. The password must already be hashed by the
// caller's hashing capability. The duplicate-email check runs before the
// insert and can race under concurrent registration of the same address;
// the losing write wins the GSI lookup nondeterministically, which is an
// accepted limitation at this scale.
func (d *Directory) Create(ctx context.Context, email, name, passwordHash, avatarURL string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || name == "" || passwordHash == "" {
		return nil, errors.New("identity: email, name and password are required")
	}

	existing, err := d.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDuplicateEmail
	}

	ts := util.Timestamp(d.now())
	userID := util.NewID()
	user := &User{
		PK:     userKey(userID).PK,
		SK:     userKey(userID).SK,
		GSI1PK: emailPartition(email),
		GSI1SK: "USER#" + userID,
		GSI2PK: namePartitionValue(),
		GSI2SK: nameSortKey(name),

		UserID:       userID,
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		AvatarURL:    avatarURL,
		Status:       "active",
		EntityType:   entityTypeUser,
		CreatedAt:    ts,
		UpdatedAt:    ts,
		LastSeen:     ts,
	}
	item, err := user.item()
	if err != nil {
		return nil, err
	}
	if err := d.store.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("identity: create user: %w", err)
	}
	return user, nil
}

// GetByID fetches one user, (nil, nil) when absent.
func (d *Directory) GetByID(ctx context.Context, userID string) (*User, error) {
	item, err := d.store.Get(ctx, userKey(userID))
	if err != nil {
		return nil, err
	}
	return userFromItem(item)
}

// FindByEmail resolves a user by exact case-insensitive email match.
func (d *Directory) FindByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	page, err := d.store.Query(ctx, table.Query{
		Index:     table.IndexGSI1,
		Partition: emailPartition(email),
	})
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	return userFromItem(page.Items[0])
}

// SearchByNamePrefix returns users whose name starts with term. No
// relevance ranking.
func (d *Directory) SearchByNamePrefix(ctx context.Context, term string) ([]*User, error) {
	page, err := d.store.Query(ctx, table.Query{
		Index:      table.IndexGSI2,
		Partition:  namePartitionValue(),
		SortPrefix: nameSortKey(term),
	})
	if err != nil {
		return nil, err
	}
	return usersFromItems(page.Items)
}

// ListAll returns up to limit users, ordered by name.
func (d *Directory) ListAll(ctx context.Context, limit int32) ([]*User, error) {
	if limit <= 0 {
		limit = 100
	}
	page, err := d.store.Query(ctx, table.Query{
		Index:     table.IndexGSI2,
		Partition: namePartitionValue(),
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	return usersFromItems(page.Items)
}

// BatchGet hydrates users by id in one round trip. Input ids are deduped;
// the result never carries password hashes.
func (d *Directory) BatchGet(ctx context.Context, userIDs []string) (map[string]*User, error) {
	users := make(map[string]*User, len(userIDs))
	if len(userIDs) == 0 {
		return users, nil
	}
	seen := make(map[string]bool, len(userIDs))
	keys := make([]table.Key, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		keys = append(keys, userKey(id))
	}
	items, err := d.store.BatchGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		user, err := userFromItem(item)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = ""
		users[user.UserID] = user
	}
	return users, nil
}

// ProfilePatch names the allow-listed mutable profile fields. Email is
// immutable through this path.
type ProfilePatch struct {
	Name      *string
	AvatarURL *string
	Status    *string
}

// UpdateProfile applies a typed patch. A name change re-projects the search
// index sort key in the same update.
func (d *Directory) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (*User, error) {
	p := table.NewPatch()
	if patch.Name != nil {
		p.SetString("name", *patch.Name)
		p.SetString("GSI2SK", nameSortKey(*patch.Name))
	}
	if patch.AvatarURL != nil {
		p.SetString("avatarUrl", *patch.AvatarURL)
	}
	if patch.Status != nil {
		p.SetString("status", *patch.Status)
	}
	if p.Empty() {
		return nil, ErrEmptyPatch
	}
	p.SetString("updatedAt", util.Timestamp(d.now()))

	item, err := d.store.Update(ctx, userKey(userID), p)
	if err != nil {
		return nil, err
	}
	return userFromItem(item)
}

// ChangePassword stores a new password hash.
func (d *Directory) ChangePassword(ctx context.Context, userID, newPassword string) error {
	hash, err := d.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("identity: hash password: %w", err)
	}
	_, err = d.store.Update(ctx, userKey(userID), table.NewPatch().
		SetString("password", hash).
		SetString("updatedAt", util.Timestamp(d.now())))
	return err
}

// TouchLastSeen refreshes the last-seen marker.
func (d *Directory) TouchLastSeen(ctx context.Context, userID string) error {
	ts := util.Timestamp(d.now())
	_, err := d.store.Update(ctx, userKey(userID), table.NewPatch().
		SetString("lastSeen", ts).
		SetString("updatedAt", ts))
	return err
}

// VerifyCredentials checks an email/password pair. On success it refreshes
// lastSeen and mints a signed identity token embedding {id, email}.
func (d *Directory) VerifyCredentials(ctx context.Context, email, password string) (*User, string, error) {
	user, err := d.FindByEmail(ctx, email)
	if err != nil {
		return nil, "", err
	}
	if user == nil {
		return nil, "", ErrUnknownEmail
	}
	if !d.hasher.Compare(user.PasswordHash, password) {
		return nil, "", ErrWrongPassword
	}
	if err := d.TouchLastSeen(ctx, user.UserID); err != nil {
		return nil, "", err
	}
	token, err := d.tokens.Mint(user.UserID, user.Email)
	if err != nil {
		return nil, "", fmt.Errorf("identity: mint token: %w", err)
	}
	return user, token, nil
}

func usersFromItems(items []table.Item) ([]*User, error) {
	users := make([]*User, 0, len(items))
	for _, item := range items {
		user, err := userFromItem(item)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}
