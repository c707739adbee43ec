// Package feishu is the thin websocket adapter for Feishu/Lark. Events
// arrive over a long connection; replies go out through the REST messaging
// endpoint. The platform protocol is treated as opaque transport.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBaseURL = "https://open.feishu.cn"

// MaxMessageLen keeps replies inside Feishu's text message size limit.
const MaxMessageLen = 10000

type Client struct {
	http      *http.Client
	baseURL   string
	appID     string
	appSecret string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(httpClient *http.Client, baseURL, appID, appSecret string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http:      httpClient,
		baseURL:   strings.TrimRight(baseURL, "/"),
		appID:     appID,
		appSecret: appSecret,
	}
}

type tenantTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// tenantToken returns a cached tenant access token, refreshing shortly
// before expiry.
func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	raw, err := c.post(ctx, "/open-apis/auth/v3/tenant_access_token/internal", "", body)
	if err != nil {
		return "", err
	}
	var out tenantTokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	if out.Code != 0 {
		return "", fmt.Errorf("feishu token: code=%d msg=%s", out.Code, out.Msg)
	}
	c.token = out.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(out.Expire)*time.Second - 5*time.Minute)
	return c.token, nil
}

type sendMessageResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// SendText posts a text message into the chat, splitting oversized text.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}
	for _, part := range splitText(text, MaxMessageLen) {
		content, err := json.Marshal(map[string]string{"text": part})
		if err != nil {
			return err
		}
		body, err := json.Marshal(map[string]string{
			"receive_id": chatID,
			"msg_type":   "text",
			"content":    string(content),
			"uuid":       uuid.NewString(),
		})
		if err != nil {
			return err
		}
		raw, err := c.post(ctx, "/open-apis/im/v1/messages?receive_id_type=chat_id", token, body)
		if err != nil {
			return err
		}
		var out sendMessageResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		if out.Code != 0 {
			return fmt.Errorf("feishu send: code=%d msg=%s", out.Code, out.Msg)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, token string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("feishu http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func splitText(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
