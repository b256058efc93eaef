package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTelegramFixture(t *testing.T, handler http.HandlerFunc) *TelegramTransport {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	transport := NewTelegramTransport("test-token")
	transport.SetBaseURL(server.URL)
	return transport
}

func TestTelegramSendMessage(t *testing.T) {
	transport := newTelegramFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/sendMessage", r.URL.Path)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "chat_1", payload["chat_id"])
		assert.Equal(t, "hello", payload["text"])

		json.NewEncoder(w).Encode(telegramResponse{OK: true})
	})

	require.NoError(t, transport.SendMessage(context.Background(), "chat_1", "hello"))
}

func TestTelegramSendMessageRejected(t *testing.T) {
	transport := newTelegramFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(telegramResponse{OK: false, Description: "chat not found"})
	})

	err := transport.SendMessage(context.Background(), "chat_missing", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramSendDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("pdf bytes"), 0o644))

	transport := newTelegramFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/sendDocument", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "chat_1", r.FormValue("chat_id"))
		assert.Equal(t, "weekly report", r.FormValue("caption"))

		file, header, err := r.FormFile("document")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "report.pdf", header.Filename)

		json.NewEncoder(w).Encode(telegramResponse{OK: true})
	})

	require.NoError(t, transport.SendDocument(context.Background(), "chat_1", path, "application/pdf", "report.pdf", "weekly report"))
}

func TestTelegramSendPhoto(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chart.png")
	require.NoError(t, os.WriteFile(path, []byte("png bytes"), 0o644))

	transport := newTelegramFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/sendPhoto", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		_, header, err := r.FormFile("photo")
		require.NoError(t, err)
		assert.Equal(t, "chart.png", header.Filename)

		json.NewEncoder(w).Encode(telegramResponse{OK: true})
	})

	require.NoError(t, transport.SendPhoto(context.Background(), "chat_1", path, "usage chart"))
}

func TestTelegramSendDocumentMissingFile(t *testing.T) {
	transport := NewTelegramTransport("test-token")

	err := transport.SendDocument(context.Background(), "chat_1", "/nonexistent/file.pdf", "", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open media file")
}
