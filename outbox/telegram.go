package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/teranos/otto/errors"
)

// TelegramBaseURL is the Telegram Bot API endpoint
const TelegramBaseURL = "https://api.telegram.org"

// TelegramTransport delivers outbound messages through the Telegram Bot API
type TelegramTransport struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewTelegramTransport creates a transport for the given bot token
func NewTelegramTransport(token string) *TelegramTransport {
	return &TelegramTransport{
		token:   token,
		baseURL: TelegramBaseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// SetBaseURL overrides the API endpoint for testing
func (t *TelegramTransport) SetBaseURL(baseURL string) {
	t.baseURL = baseURL
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage delivers a text message
func (t *TelegramTransport) SendMessage(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal sendMessage payload")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.methodURL("sendMessage"), bytes.NewBuffer(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	return t.do(req)
}

// SendDocument uploads a file as a document with a caption
func (t *TelegramTransport) SendDocument(ctx context.Context, chatID, path, mimeType, filename, caption string) error {
	if filename == "" {
		filename = filepath.Base(path)
	}
	return t.sendFile(ctx, "sendDocument", "document", chatID, path, filename, caption)
}

// SendPhoto uploads an image with a caption
func (t *TelegramTransport) SendPhoto(ctx context.Context, chatID, path, caption string) error {
	return t.sendFile(ctx, "sendPhoto", "photo", chatID, path, filepath.Base(path), caption)
}

func (t *TelegramTransport) sendFile(ctx context.Context, method, field, chatID, path, filename, caption string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open media file %s", path)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", chatID); err != nil {
		return errors.Wrap(err, "failed to write chat_id field")
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return errors.Wrap(err, "failed to write caption field")
		}
	}

	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return errors.Wrap(err, "failed to create form file")
	}
	if _, err := io.Copy(part, file); err != nil {
		return errors.Wrapf(err, "failed to read media file %s", path)
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "failed to finalize multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.methodURL(method), &body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return t.do(req)
}

func (t *TelegramTransport) methodURL(method string) string {
	return t.baseURL + "/bot" + t.token + "/" + method
}

func (t *TelegramTransport) do(req *http.Request) error {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	var apiResp telegramResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return errors.Newf("telegram returned status %d with unparseable body", resp.StatusCode)
	}
	if !apiResp.OK {
		return errors.Newf("telegram rejected request: %s", apiResp.Description)
	}
	return nil
}
