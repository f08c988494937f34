package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocal(t *testing.T) {
	t.Parallel()

	t.Run("WorksWithoutCredentials", func(t *testing.T) {
		t.Parallel()

		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi from ollama"}}]}`))
		}))
		defer srv.Close()

		d, err := NewLocal(NewConfig(WithBaseURL(srv.URL)))
		require.NoError(t, err)
		assert.Equal(t, "local", d.Name())

		resp, err := d.Chat(context.Background(), testChatRequest())
		require.NoError(t, err)
		assert.Equal(t, "hi from ollama", resp.Content)
		assert.Empty(t, gotAuth)
	})

	t.Run("DefaultsToOllamaEndpoint", func(t *testing.T) {
		t.Parallel()

		d, err := NewLocal(NewConfig())
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:11434", d.(*OpenAIDriver).config.BaseURL)
	})
}
