package identity

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"

	"chatservice/pkg/table"
)

// User is the stored profile record. The GSI1 projection serves the
// case-insensitive email lookup; GSI2 puts every user in one partition keyed
// by name so prefix search works, which degrades to a scan-with-prefix and
// is only acceptable at small scale.
type User struct {
	PK     string `dynamodbav:"PK" json:"-"`
	SK     string `dynamodbav:"SK" json:"-"`
	GSI1PK string `dynamodbav:"GSI1PK" json:"-"`
	GSI1SK string `dynamodbav:"GSI1SK" json:"-"`
	GSI2PK string `dynamodbav:"GSI2PK" json:"-"`
	GSI2SK string `dynamodbav:"GSI2SK" json:"-"`

	UserID       string `dynamodbav:"userId" json:"userId"`
	Email        string `dynamodbav:"email" json:"email"`
	Name         string `dynamodbav:"name" json:"name"`
	PasswordHash string `dynamodbav:"password" json:"-"`
	AvatarURL    string `dynamodbav:"avatarUrl" json:"avatarUrl"`
	Status       string `dynamodbav:"status" json:"status"`
	EntityType   string `dynamodbav:"entityType" json:"-"`
	CreatedAt    string `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt    string `dynamodbav:"updatedAt" json:"updatedAt"`
	LastSeen     string `dynamodbav:"lastSeen" json:"lastSeen"`
}

const entityTypeUser = "USER"

func userKey(userID string) table.Key {
	return table.Key{PK: "USER#" + userID, SK: "PROFILE#" + userID}
}

func emailPartition(email string) string {
	return "EMAIL#" + email
}

func namePartitionValue() string {
	return "USER"
}

func nameSortKey(name string) string {
	return "NAME#" + name
}

func (u *User) item() (table.Item, error) {
	item, err := attributevalue.MarshalMap(u)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal user: %w", err)
	}
	return item, nil
}

func userFromItem(item table.Item) (*User, error) {
	if item == nil {
		return nil, nil
	}
	var u User
	if err := attributevalue.UnmarshalMap(item, &u); err != nil {
		return nil, fmt.Errorf("identity: unmarshal user: %w", err)
	}
	return &u, nil
}
