package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"chatservice/internal/conversation"
	"chatservice/internal/identity"
	"chatservice/internal/message"
	"chatservice/internal/ratelimit"
	"chatservice/internal/receipt"
	"chatservice/internal/usertoken"
	"chatservice/pkg/auth"
	"chatservice/pkg/table"
)

type serverFixture struct {
	srv      *Server
	handler  http.Handler
	users    *identity.Directory
	convs    *conversation.Directory
	receipts *receipt.Tracker
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	store := table.NewMemory()
	tokens, err := usertoken.NewManager("test-secret", 0)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hasher := auth.NewBcryptHasher(4)
	users := identity.NewDirectory(store, hasher, tokens)
	convs := conversation.NewDirectory(store)
	receipts := receipt.NewTracker(store, convs)
	messages := message.NewLog(store, users, convs, receipts, logger)

	srv := New(Config{
		Users:         users,
		Conversations: convs,
		Messages:      messages,
		Receipts:      receipts,
		Tokens:        tokens,
		Hasher:        hasher,
		Logger:        logger,
	})
	return &serverFixture{
		srv:      srv,
		handler:  srv.Router(),
		users:    users,
		convs:    convs,
		receipts: receipts,
	}
}

func (f *serverFixture) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

// register creates a user through the API and returns (userId, token).
func (f *serverFixture) register(t *testing.T, name, email string) (string, string) {
	t.Helper()
	rec, body := f.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name":     name,
		"email":    email,
		"password": "password1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %v", email, rec.Code, body)
	}
	user := body["user"].(map[string]any)
	return user["userId"].(string), body["token"].(string)
}

func (f *serverFixture) createDirect(t *testing.T, token, otherID string) string {
	t.Helper()
	rec, body := f.do(t, http.MethodPost, "/api/conversations", token, map[string]any{
		"participantIds": []string{otherID},
	})
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("create conversation: status %d body %v", rec.Code, body)
	}
	conv := body["conversation"].(map[string]any)
	return conv["conversationId"].(string)
}

func TestRegisterLoginAndProfile(t *testing.T) {
	f := newServerFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name":     "Alice",
		"email":    "Alice@Example.com",
		"password": "password1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	if body["success"] != true || body["token"] == "" {
		t.Fatalf("body = %v", body)
	}
	user := body["user"].(map[string]any)
	if user["email"] != "alice@example.com" {
		t.Fatalf("email = %v, want lowercased", user["email"])
	}
	if _, leaked := user["password"]; leaked {
		t.Fatal("password hash leaked in response")
	}

	// The token authenticates follow-up requests.
	token := body["token"].(string)
	rec, body = f.do(t, http.MethodGet, "/api/auth/profile", token, nil)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("profile: status %d body %v", rec.Code, body)
	}

	// Duplicate registration is rejected.
	rec, body = f.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name":     "Other",
		"email":    "alice@example.com",
		"password": "password2",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate register: status %d body %v", rec.Code, body)
	}

	// Login round trip.
	rec, body = f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "password1",
	})
	if rec.Code != http.StatusOK || body["success"] != true || body["token"] == "" {
		t.Fatalf("login: status %d body %v", rec.Code, body)
	}
}

func TestLoginFailuresUseSuccessFlag(t *testing.T) {
	f := newServerFixture(t)
	f.register(t, "Alice", "alice@example.com")

	// Wrong password and unknown email both answer 200 with success=false
	// and the same message.
	for _, creds := range []map[string]string{
		{"email": "alice@example.com", "password": "wrong"},
		{"email": "nobody@example.com", "password": "password1"},
	} {
		rec, body := f.do(t, http.MethodPost, "/api/auth/login", "", creds)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if body["success"] != false || body["message"] != "Invalid email or password" {
			t.Fatalf("body = %v", body)
		}
	}

	rec, body := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "alice@example.com"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing password: status %d body %v", rec.Code, body)
	}
}

func TestAuthenticationFailuresAnswer200(t *testing.T) {
	f := newServerFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/conversations", "", nil)
	if rec.Code != http.StatusOK || body["success"] != false {
		t.Fatalf("no token: status %d body %v", rec.Code, body)
	}

	rec, body = f.do(t, http.MethodGet, "/api/conversations", "garbage-token", nil)
	if rec.Code != http.StatusOK || body["success"] != false {
		t.Fatalf("bad token: status %d body %v", rec.Code, body)
	}
}

func TestUpdateProfile(t *testing.T) {
	f := newServerFixture(t)
	_, token := f.register(t, "Alice", "alice@example.com")

	rec, body := f.do(t, http.MethodPut, "/api/auth/profile", token, map[string]string{
		"name":      "Alicia",
		"avatarUrl": "https://example.com/a.png",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %v", rec.Code, body)
	}
	user := body["user"].(map[string]any)
	if user["name"] != "Alicia" || user["avatarUrl"] != "https://example.com/a.png" {
		t.Fatalf("user = %v", user)
	}

	rec, body = f.do(t, http.MethodPut, "/api/auth/profile", token, map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty patch: status %d body %v", rec.Code, body)
	}
}

func TestCreateDirectConversationIsIdempotentOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	_, aliceToken := f.register(t, "Alice", "alice@example.com")
	bobID, bobToken := f.register(t, "Bob", "bob@example.com")

	rec, body := f.do(t, http.MethodPost, "/api/conversations", aliceToken, map[string]any{
		"participantIds": []string{bobID},
	})
	if rec.Code != http.StatusCreated || body["created"] != true {
		t.Fatalf("first create: status %d body %v", rec.Code, body)
	}
	conv := body["conversation"].(map[string]any)
	convID := conv["conversationId"].(string)
	// Direct conversations render with the peer's name and profile.
	if conv["name"] != "Bob" {
		t.Fatalf("name = %v, want Bob", conv["name"])
	}
	other := conv["otherUser"].(map[string]any)
	if other["userId"] != bobID {
		t.Fatalf("otherUser = %v", other)
	}

	rec, body = f.do(t, http.MethodPost, "/api/conversations", aliceToken, map[string]any{
		"participantIds": []string{bobID},
	})
	if rec.Code != http.StatusOK || body["created"] != false {
		t.Fatalf("second create: status %d body %v", rec.Code, body)
	}
	if body["conversation"].(map[string]any)["conversationId"] != convID {
		t.Fatal("second create returned a different conversation")
	}

	// Bob sees Alice on his side of the same conversation.
	rec, body = f.do(t, http.MethodGet, "/api/conversations", bobToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d body %v", rec.Code, body)
	}
	convs := body["conversations"].([]any)
	if len(convs) != 1 || convs[0].(map[string]any)["name"] != "Alice" {
		t.Fatalf("bob's list = %v", convs)
	}
}

func TestConversationAccessControl(t *testing.T) {
	f := newServerFixture(t)
	_, aliceToken := f.register(t, "Alice", "alice@example.com")
	bobID, _ := f.register(t, "Bob", "bob@example.com")
	_, eveToken := f.register(t, "Eve", "eve@example.com")
	convID := f.createDirect(t, aliceToken, bobID)

	rec, body := f.do(t, http.MethodGet, "/api/conversations/"+convID, eveToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider get: status %d body %v", rec.Code, body)
	}
	rec, body = f.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", eveToken, map[string]string{"content": "intruding"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider send: status %d body %v", rec.Code, body)
	}
	rec, body = f.do(t, http.MethodGet, "/api/conversations/missing-id", aliceToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing conversation: status %d body %v", rec.Code, body)
	}
}

func TestMessagingScenario(t *testing.T) {
	f := newServerFixture(t)
	u1, aliceToken := f.register(t, "Alice", "alice@example.com")
	bobID, bobToken := f.register(t, "Bob", "bob@example.com")
	convID := f.createDirect(t, aliceToken, bobID)

	rec, body := f.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", aliceToken, map[string]string{"content": "hello"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send hello: status %d body %v", rec.Code, body)
	}
	time.Sleep(5 * time.Millisecond) // distinct millisecond timestamps
	rec, body = f.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", bobToken, map[string]string{"content": "hi back"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send hi back: status %d body %v", rec.Code, body)
	}

	// Bob's reply is unread for Alice until she fetches the history.
	n, err := f.receipts.UnreadCount(t.Context(), convID, u1)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 1 {
		t.Fatalf("alice unread = %d, want 1", n)
	}

	// The conversation list carries the viewer's unread count.
	rec, body = f.do(t, http.MethodGet, "/api/conversations", aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list conversations: status %d body %v", rec.Code, body)
	}
	listed := body["conversations"].([]any)[0].(map[string]any)
	if listed["unreadCount"] != float64(1) {
		t.Fatalf("listed unreadCount = %v, want 1", listed["unreadCount"])
	}

	rec, body = f.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages?limit=10", aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d body %v", rec.Code, body)
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	first := msgs[0].(map[string]any)
	second := msgs[1].(map[string]any)
	if first["content"] != "hi back" || second["content"] != "hello" {
		t.Fatalf("order = %v, %v; want newest first", first["content"], second["content"])
	}
	if first["senderName"] != "Bob" {
		t.Fatalf("senderName = %v", first["senderName"])
	}

	// Fetching advanced Alice's read marker.
	n, err = f.receipts.UnreadCount(t.Context(), convID, u1)
	if err != nil {
		t.Fatalf("unread after fetch: %v", err)
	}
	if n != 0 {
		t.Fatalf("alice unread after fetch = %d, want 0", n)
	}
	rec, body = f.do(t, http.MethodGet, "/api/conversations/"+convID, aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get conversation: status %d body %v", rec.Code, body)
	}
	view := body["conversation"].(map[string]any)
	if view["unreadCount"] != float64(0) {
		t.Fatalf("unreadCount after fetch = %v, want 0", view["unreadCount"])
	}
}

func TestMessagePaginationOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	_, aliceToken := f.register(t, "Alice", "alice@example.com")
	bobID, _ := f.register(t, "Bob", "bob@example.com")
	convID := f.createDirect(t, aliceToken, bobID)

	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, content := range want {
		rec, body := f.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", aliceToken, map[string]string{"content": content})
		if rec.Code != http.StatusCreated {
			t.Fatalf("send %s: status %d body %v", content, rec.Code, body)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var got []string
	path := "/api/conversations/" + convID + "/messages?limit=2"
	for {
		rec, body := f.do(t, http.MethodGet, path, aliceToken, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("list: status %d body %v", rec.Code, body)
		}
		for _, m := range body["messages"].([]any) {
			got = append(got, m.(map[string]any)["content"].(string))
		}
		next, _ := body["nextPageKey"].(string)
		if next == "" {
			break
		}
		path = "/api/conversations/" + convID + "/messages?limit=2&nextPageKey=" + next
	}
	if len(got) != len(want) {
		t.Fatalf("paged contents = %v", got)
	}
	for i := range want {
		if got[i] != want[len(want)-1-i] {
			t.Fatalf("paged contents = %v, want reverse of %v", got, want)
		}
	}
}

func TestMessageEditAndDeleteAuthorization(t *testing.T) {
	f := newServerFixture(t)
	_, aliceToken := f.register(t, "Alice", "alice@example.com")
	bobID, bobToken := f.register(t, "Bob", "bob@example.com")
	convID := f.createDirect(t, aliceToken, bobID)

	rec, body := f.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", aliceToken, map[string]string{"content": "mine"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send: status %d body %v", rec.Code, body)
	}
	msgID := body["message"].(map[string]any)["messageId"].(string)

	// Participants who are not the sender cannot edit or delete.
	rec, body = f.do(t, http.MethodPut, "/api/conversations/"+convID+"/messages/"+msgID, bobToken, map[string]string{"content": "hijack"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign edit: status %d body %v", rec.Code, body)
	}
	rec, body = f.do(t, http.MethodDelete, "/api/conversations/"+convID+"/messages/"+msgID, bobToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign delete: status %d body %v", rec.Code, body)
	}

	rec, body = f.do(t, http.MethodPut, "/api/conversations/"+convID+"/messages/"+msgID, aliceToken, map[string]string{"content": "edited"})
	if rec.Code != http.StatusOK {
		t.Fatalf("edit: status %d body %v", rec.Code, body)
	}
	if body["message"].(map[string]any)["content"] != "edited" {
		t.Fatalf("edit body = %v", body)
	}

	rec, body = f.do(t, http.MethodDelete, "/api/conversations/"+convID+"/messages/"+msgID, aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status %d body %v", rec.Code, body)
	}
	rec, body = f.do(t, http.MethodPut, "/api/conversations/"+convID+"/messages/"+msgID, aliceToken, map[string]string{"content": "too late"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("edit deleted: status %d body %v", rec.Code, body)
	}
}

func TestGroupConversationMembership(t *testing.T) {
	f := newServerFixture(t)
	_, aliceToken := f.register(t, "Alice", "alice@example.com")
	bobID, _ := f.register(t, "Bob", "bob@example.com")
	carolID, _ := f.register(t, "Carol", "carol@example.com")

	rec, body := f.do(t, http.MethodPost, "/api/conversations", aliceToken, map[string]any{
		"participantIds": []string{bobID, carolID},
		"name":           "plans",
		"isGroup":        true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create group: status %d body %v", rec.Code, body)
	}
	conv := body["conversation"].(map[string]any)
	if conv["type"] != "group" || conv["name"] != "plans" {
		t.Fatalf("conversation = %v", conv)
	}
	if len(conv["participantIds"].([]any)) != 3 {
		t.Fatalf("participants = %v", conv["participantIds"])
	}
}

func TestUserEndpoints(t *testing.T) {
	f := newServerFixture(t)
	aliceID, token := f.register(t, "Alice", "alice@example.com")
	f.register(t, "Albert", "albert@example.com")
	f.register(t, "Bob", "bob@example.com")

	rec, body := f.do(t, http.MethodGet, "/api/users", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d body %v", rec.Code, body)
	}
	users := body["users"].([]any)
	if len(users) != 3 {
		t.Fatalf("users = %d, want 3", len(users))
	}
	for _, u := range users {
		if _, leaked := u.(map[string]any)["password"]; leaked {
			t.Fatal("password hash leaked in user list")
		}
	}

	rec, body = f.do(t, http.MethodGet, "/api/users/search?query=Al", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: status %d body %v", rec.Code, body)
	}
	if len(body["users"].([]any)) != 2 {
		t.Fatalf("search results = %v", body["users"])
	}

	rec, body = f.do(t, http.MethodGet, "/api/users/search", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty query: status %d body %v", rec.Code, body)
	}

	rec, body = f.do(t, http.MethodGet, "/api/users/"+aliceID, token, nil)
	if rec.Code != http.StatusOK || body["user"].(map[string]any)["userId"] != aliceID {
		t.Fatalf("get user: status %d body %v", rec.Code, body)
	}
	rec, body = f.do(t, http.MethodGet, "/api/users/missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing user: status %d body %v", rec.Code, body)
	}
}

func TestLoginRateLimit(t *testing.T) {
	f := newServerFixture(t)
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewFixedWindowLimiter(mr.Addr(), "", "test:login", 2, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	f.srv.loginLimiter = limiter
	f.register(t, "Alice", "alice@example.com")

	creds := map[string]string{"email": "alice@example.com", "password": "password1"}
	for i := 0; i < 2; i++ {
		rec, body := f.do(t, http.MethodPost, "/api/auth/login", "", creds)
		if rec.Code != http.StatusOK {
			t.Fatalf("login %d: status %d body %v", i, rec.Code, body)
		}
	}
	rec, body := f.do(t, http.MethodPost, "/api/auth/login", "", creds)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("limited login: status %d body %v", rec.Code, body)
	}
}
