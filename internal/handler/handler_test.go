package handler

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"hyperchat-go/internal/model"
	"hyperchat-go/internal/repository"
	"hyperchat-go/internal/service"
	"hyperchat-go/pkg/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubClient 在 gate 关闭前阻塞，然后按顺序输出 tokens。
type stubClient struct {
	gate   chan struct{}
	tokens []string
}

func (s *stubClient) wait(ctx context.Context) error {
	if s.gate == nil {
		return nil
	}
	select {
	case <-s.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stubClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &llm.Response{Text: strings.Join(s.tokens, "")}, nil
}

func (s *stubClient) Stream(ctx context.Context, req *llm.Request, w llm.TokenWriter) (*llm.Usage, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	for _, tok := range s.tokens {
		if err := w.WriteToken(tok); err != nil {
			return nil, err
		}
	}
	return &llm.Usage{CompletionTokens: len(s.tokens)}, nil
}

func newTestStore(t *testing.T) repository.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "handler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := repository.NewSQLiteStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

func newTestEngine(t *testing.T, store repository.Store, client llm.Client) service.SessionEngine {
	t.Helper()
	providers := map[model.Product]llm.Client{}
	if client != nil {
		providers[model.ProductChat] = client
	}
	engine := service.NewSessionEngine(store, providers, service.EngineOptions{
		Defaults: map[model.Product]model.Configuration{
			model.ProductChat: {Model: "gpt-test", Stream: true},
		},
		TokenCounter: func(string) int { return 1 },
	})
	t.Cleanup(func() { engine.Close() })
	return engine
}
