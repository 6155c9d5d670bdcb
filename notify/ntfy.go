package notify

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// DefaultNtfyURL is the public ntfy server.
const DefaultNtfyURL = "https://ntfy.sh"

// NtfyConfig configures the ntfy transport.
type NtfyConfig struct {
	BaseURL string
	Topic   string
	Token   string            // sent as a bearer token when set
	Headers map[string]string // extra headers, e.g. basic auth
}

// Ntfy publishes messages to an ntfy topic.
type Ntfy struct {
	cfg    NtfyConfig
	client *http.Client
}

// NewNtfy creates an ntfy notifier. A nil client gets a 10 second timeout.
func NewNtfy(cfg NtfyConfig, client *http.Client) *Ntfy {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNtfyURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Ntfy{cfg: cfg, client: client}
}

func (n *Ntfy) target() string {
	return "ntfy/" + n.cfg.Topic
}

// Send posts msg to the topic.
func (n *Ntfy) Send(ctx context.Context, msg Message) error {
	url := fmt.Sprintf("%s/%s", n.cfg.BaseURL, n.cfg.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(msg.Body))
	if err != nil {
		return &NotifyError{Target: n.target(), Err: fmt.Errorf("creating request: %w", err)}
	}

	for k, v := range n.cfg.Headers {
		req.Header.Set(k, v)
	}
	if n.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.Token)
	}
	if msg.Title != "" {
		req.Header.Set("X-Title", mime.QEncoding.Encode("utf-8", msg.Title))
	}
	if msg.Priority != "" {
		req.Header.Set("X-Priority", msg.Priority)
	}
	if len(msg.Tags) > 0 {
		req.Header.Set("X-Tags", strings.Join(msg.Tags, ","))
	}
	if msg.Click != "" {
		req.Header.Set("X-Click", msg.Click)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return &NotifyError{Target: n.target(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &NotifyError{
			Target: n.target(),
			Err:    &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))},
		}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
