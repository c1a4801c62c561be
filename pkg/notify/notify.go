// Package notify sends the fire-and-forget Slack-style webhook
// notification on successful ingestion (spec.md §4.8, §6), grounded on
// original_source/utils.py:send_slack_message. A non-200 response is
// logged but never fails the caller's run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/eessi/ingestion-controlplane/pkg/logger"

	"github.com/hashicorp/go-retryablehttp"
)

// payload is the JSON body spec.md §6 fixes for the webhook: {"text": <string>}.
type payload struct {
	Text string `json:"text"`
}

// Client posts webhook notifications, retrying transient transport failures
// the way the teacher's object-storage/git clients retry, but never
// treating a non-200 application response as fatal to the caller.
type Client struct {
	http *retryablehttp.Client
}

// New builds a Client whose underlying retryablehttp.Client retries up to 3
// times and has its default stderr logger disabled; PostWebhook does its own
// logging of the final outcome.
func New() *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 3
	return &Client{http: rc}
}

// PostWebhook POSTs {"text": message} to webhookURL. Transport errors after
// retries and non-200 responses are both logged and swallowed: spec.md §4.8
// requires this call to never be fatal to the ingestion it reports on.
func (c *Client) PostWebhook(ctx context.Context, webhookURL, message string) {
	if webhookURL == "" {
		return
	}

	body, err := json.Marshal(payload{Text: message})
	if err != nil {
		logger.Log(ctx, slog.LevelWarn, "failed to encode webhook payload", logger.Err(err))
		return
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		logger.Log(ctx, slog.LevelWarn, "failed to build webhook request", logger.Err(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Log(ctx, slog.LevelWarn, "webhook request failed", logger.Err(err), slog.String("url", webhookURL))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logger.Log(ctx, slog.LevelWarn, "webhook returned non-200 response",
			slog.Int("status", resp.StatusCode), slog.String("body", string(respBody)))
	}
}

// RenderIngestionMessage fills the {tarball}/{cvmfs_repo}-style template
// from slack.ingestion_message, grounded on original_source/eessitarball.py's
// `self.config['slack']['ingestion_message'].format(tarball=..., cvmfs_repo=...)`
// call. Go has no str.format mini-language, so named placeholders are
// substituted with a small, explicit replacer rather than pulling in a
// templating engine for two fixed keys.
func RenderIngestionMessage(tmpl, tarball, cvmfsRepo string) string {
	replacer := strings.NewReplacer(
		"{tarball}", tarball,
		"{cvmfs_repo}", cvmfsRepo,
	)
	return replacer.Replace(tmpl)
}
