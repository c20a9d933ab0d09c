package api

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/mocks"
	"chat-relay/repositories"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fixture struct {
	server   *Server
	registry *mocks.MockIRegistry
	messages repositories.MessageRepository
	users    repositories.IUserRepository
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// The resolver trusts the Authorization header as the identity.
	resolver := mocks.NewMockIdentityResolver(ctrl)
	resolver.EXPECT().Resolve(gomock.Any()).DoAndReturn(func(r *http.Request) (string, error) {
		if identity := r.Header.Get("Authorization"); identity != "" {
			return identity, nil
		}
		return "", errors.ErrUnauthorized
	}).AnyTimes()

	registry := mocks.NewMockIRegistry(ctrl)
	messages := repositories.NewMessageRepository(db, slog.Default())
	users := repositories.NewUserRepository(db)
	server := NewServer(slog.Default(), registry, resolver, messages, users,
		http.NotFoundHandler(), 2, []string{"*"})
	return fixture{server: server, registry: registry, messages: messages, users: users}
}

func (f fixture) do(method, path, identity string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	if identity != "" {
		r.Header.Set("Authorization", identity)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, r)
	return w
}

func TestServer_Health(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	w := f.do(http.MethodGet, "/health", "")

	req.Equal(http.StatusOK, w.Code)
	req.Contains(w.Body.String(), `"status":"ok"`)
}

func TestServer_Requires_Identity(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	for _, path := range []string{"/msgs/bob", "/unread", "/lastseen/bob"} {
		req.Equal(http.StatusUnauthorized, f.do(http.MethodGet, path, "").Code, path)
	}
	req.Equal(http.StatusUnauthorized, f.do(http.MethodPost, "/read/bob", "").Code)
}

func TestServer_Conversation_Pages(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// Given three messages between alice and bob
	req.NoError(f.messages.InsertMessage("alice", "bob", "one", 1000))
	req.NoError(f.messages.InsertMessage("bob", "alice", "two", 2000))
	req.NoError(f.messages.InsertMessage("alice", "bob", "three", 3000))

	// When alice asks for the default page
	w := f.do(http.MethodGet, "/msgs/bob", "alice")

	// Then the two newest messages come back in the wire shape
	req.Equal(http.StatusOK, w.Code)
	var page []domain.Message
	req.NoError(json.Unmarshal(w.Body.Bytes(), &page))
	req.Equal([]domain.Message{
		{Body: "three", Sender: "alice", Recipient: "bob", Time: 3000},
		{Body: "two", Sender: "bob", Recipient: "alice", Time: 2000},
	}, page)

	// And the next page holds the oldest
	w = f.do(http.MethodGet, "/msgs/bob?size=2&offset=2", "alice")
	req.Equal(http.StatusOK, w.Code)
	req.NoError(json.Unmarshal(w.Body.Bytes(), &page))
	req.Len(page, 1)
	req.Equal("one", page[0].Body)

	// And an invalid page size is rejected
	req.Equal(http.StatusBadRequest, f.do(http.MethodGet, "/msgs/bob?size=0", "alice").Code)
}

func TestServer_Unread(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// Given nothing unread, the answer is an empty list
	w := f.do(http.MethodGet, "/unread", "bob")
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`[]`, w.Body.String())

	// Given alice wrote twice to bob
	req.NoError(f.messages.InsertMessage("alice", "bob", "a", 1))
	req.NoError(f.messages.InsertMessage("alice", "bob", "b", 2))

	w = f.do(http.MethodGet, "/unread", "bob")
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`[{"contact":"alice","unread":2}]`, w.Body.String())
}

func TestServer_Read_Goes_Through_Registry(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// Given the registry expects bob's receipt for alice
	f.registry.EXPECT().RouteReadReceipt(domain.ReadReceipt{Reader: "bob", Writer: "alice"}).Times(1)

	w := f.do(http.MethodPost, "/read/alice", "bob")
	req.Equal(http.StatusAccepted, w.Code)

	// And reading one's own messages is refused
	req.Equal(http.StatusBadRequest, f.do(http.MethodPost, "/read/bob", "bob").Code)
}

func TestServer_Last_Seen(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// Given alice is online and bob left at 5000
	at := uint64(5000)
	req.NoError(f.users.SetLastSeen("bob", &at))
	f.registry.EXPECT().Online("alice").Return(true)
	f.registry.EXPECT().Online("bob").Return(false)

	w := f.do(http.MethodGet, "/lastseen/alice", "clara")
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`{"username":"alice","online":true,"last_seen":null}`, w.Body.String())

	w = f.do(http.MethodGet, "/lastseen/bob", "clara")
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`{"username":"bob","online":false,"last_seen":5000}`, w.Body.String())
}
