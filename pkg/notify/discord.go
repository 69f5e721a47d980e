package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"text/template"
	"time"

	"golang.org/x/time/rate"

	"github.com/osmogr/meshtastic-pingbot/pkg/models"
)

// Discord webhooks reject content over 2000 characters.
const discordContentLimit = 2000

var discordPayloadTemplate = `{"content": {{json .Content}}}`

// Discord mirrors event entries to a Discord webhook. Posts are
// fire-and-forget and rate limited client-side so a chatty mesh cannot
// trip the webhook's server-side limits.
type Discord struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	tmpl    *template.Template
	log     *slog.Logger
}

func NewDiscord(webhookURL string) (*Discord, error) {
	funcMap := template.FuncMap{
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	}
	tmpl, err := template.New("discord").Funcs(funcMap).Parse(discordPayloadTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing webhook template: %w", err)
	}
	return &Discord{
		url:     webhookURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
		tmpl:    tmpl,
		log:     slog.Default(),
	}, nil
}

func (d *Discord) Notify(entry models.LogEntry) {
	if !d.limiter.Allow() {
		d.log.Debug("dropping discord notification, rate limited")
		return
	}
	go d.post(entry)
}

func (d *Discord) post(entry models.LogEntry) {
	content := fmt.Sprintf("[%s] %s", entry.Time.Format("15:04:05"), entry.Message)
	if len(content) > discordContentLimit {
		content = content[:discordContentLimit-3] + "..."
	}

	var buf bytes.Buffer
	if err := d.tmpl.Execute(&buf, struct{ Content string }{Content: content}); err != nil {
		d.log.Error("failed to render discord payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &buf)
	if err != nil {
		d.log.Error("failed to build discord request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Error("failed to post to discord", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.log.Error("discord webhook rejected notification", "status", resp.StatusCode)
	}
}
