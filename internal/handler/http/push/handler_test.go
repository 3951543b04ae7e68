package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal-backend/internal/middleware"
	"callsignal-backend/pkg/push"
)

type memoryTokens struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]*push.Token
}

func newMemoryTokens() *memoryTokens {
	return &memoryTokens{tokens: make(map[uuid.UUID]*push.Token)}
}

func (m *memoryTokens) Store(_ context.Context, token *push.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	cp := *token
	m.tokens[token.ID] = &cp
	return nil
}

func (m *memoryTokens) GetByUserID(_ context.Context, userID uuid.UUID) ([]*push.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*push.Token
	for _, t := range m.tokens {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryTokens) GetByToken(_ context.Context, token string) (*push.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.Token == token {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memoryTokens) Update(ctx context.Context, token *push.Token) error {
	return m.Store(ctx, token)
}

func (m *memoryTokens) Delete(_ context.Context, tokenID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenID)
	return nil
}

func (m *memoryTokens) DeleteByUserID(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tokens {
		if t.UserID == userID {
			delete(m.tokens, id)
		}
	}
	return nil
}

func (m *memoryTokens) MarkInactive(_ context.Context, tokenID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[tokenID]; ok {
		t.Active = false
	}
	return nil
}

func (m *memoryTokens) GetActiveTokensCount(ctx context.Context, userID uuid.UUID) (int, error) {
	tokens, _ := m.GetByUserID(ctx, userID)
	return len(tokens), nil
}

type envelope struct {
	Success bool `json:"success"`
	Data    struct {
		TokenID uuid.UUID     `json:"token_id"`
		Tokens  []*push.Token `json:"tokens"`
		Count   int           `json:"count"`
	} `json:"data"`
}

func newRouter(repo *memoryTokens, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Next()
	})
	NewHandler(push.NewService(&push.MockProvider{}, repo, 30*time.Second)).RegisterRoutes(v1)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w, env
}

func TestRegisterAndListTokens(t *testing.T) {
	repo := newMemoryTokens()
	r := newRouter(repo, uuid.New())

	w, env := do(t, r, http.MethodPost, "/v1/push/tokens", `{"token":"device-token-1","type":"fcm","platform":"android"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEqual(t, uuid.Nil, env.Data.TokenID)

	w, env = do(t, r, http.MethodGet, "/v1/push/tokens", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.Data.Count)
	assert.True(t, env.Data.Tokens[0].Active)
}

func TestRegisterToken_Validation(t *testing.T) {
	r := newRouter(newMemoryTokens(), uuid.New())

	w, _ := do(t, r, http.MethodPost, "/v1/push/tokens", `{"token":"x","type":"web"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodPost, "/v1/push/tokens", `{"type":"fcm"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnregisterToken_OtherUsersTokenNotFound(t *testing.T) {
	repo := newMemoryTokens()
	owner := uuid.New()
	token := &push.Token{UserID: owner, Token: "t", Type: push.TokenTypeFCM}
	require.NoError(t, repo.Store(context.Background(), token))

	w, _ := do(t, newRouter(repo, uuid.New()), http.MethodDelete, "/v1/push/tokens/"+token.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, newRouter(repo, owner), http.MethodDelete, "/v1/push/tokens/"+token.ID.String(), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, repo.tokens)
}

func TestUnregisterToken_BadID(t *testing.T) {
	w, _ := do(t, newRouter(newMemoryTokens(), uuid.New()), http.MethodDelete, "/v1/push/tokens/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
