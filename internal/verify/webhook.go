package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const discordAPI = "https://discord.com/api/v10"

// discordEphemeral marks an interaction reply visible only to the requester
const discordEphemeral = 64

// WebhookNotifier reports matches by editing the requester's original reply.
// A response target is either a URL or "discord:<applicationID>/<interactionToken>".
type WebhookNotifier struct {
	client  *retryablehttp.Client
	baseURL string
}

// NewWebhookNotifier creates a notifier whose attempts each time out after timeout
func NewWebhookNotifier(timeout time.Duration, log zerolog.Logger) *WebhookNotifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = leveledLogger{log}
	return &WebhookNotifier{client: client, baseURL: discordAPI}
}

type webhookMessage struct {
	Content string `json:"content"`
	Flags   int    `json:"flags,omitempty"`
}

// Notify PATCHes the success message to the match's response target
func (n *WebhookNotifier) Notify(ctx context.Context, m Match) error {
	target, err := n.targetURL(m.ResponseTarget)
	if err != nil {
		return err
	}

	body, err := json.Marshal(webhookMessage{Content: successMessage(m), Flags: discordEphemeral})
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPatch, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func (n *WebhookNotifier) targetURL(target string) (string, error) {
	rest, ok := strings.CutPrefix(target, "discord:")
	if !ok {
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			return target, nil
		}
		return "", fmt.Errorf("unsupported response target %q", target)
	}

	appID, token, ok := strings.Cut(rest, "/")
	if !ok || appID == "" || token == "" {
		return "", fmt.Errorf("malformed discord response target %q", target)
	}
	return fmt.Sprintf("%s/webhooks/%s/%s/messages/@original", n.baseURL, appID, token), nil
}

func successMessage(m Match) string {
	id := m.Link.SteamID
	if id == "" {
		id = m.Link.EOSID
	}
	return fmt.Sprintf("Account linked to %s (%s).", m.Link.Name, id)
}

// leveledLogger adapts zerolog to retryablehttp's logger
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.log.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.log.Warn().Fields(kv).Msg(msg) }
