// Package notify delivers fire-and-forget webhook notifications for
// pipeline events. Delivery failures are logged and never block or fail
// the pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/aristath/roadrunner/internal/roadmap"
)

const deliveryTimeout = 10 * time.Second

// Payload is the JSON body POSTed to the webhook.
type Payload struct {
	Event       string `json:"event"`
	Project     string `json:"project"`
	Status      string `json:"status"`
	Task        string `json:"task,omitempty"`
	Reason      string `json:"reason,omitempty"`
	TotalTokens int64  `json:"total_tokens,omitempty"`
}

// Notifier posts pipeline events to the roadmap's notify URL, honoring the
// events filter. A nil config yields a notifier that sends nothing.
type Notifier struct {
	project string
	cfg     *roadmap.NotifyConfig
	client  *http.Client
}

// New builds a notifier for a project. cfg may be nil.
func New(project string, cfg *roadmap.NotifyConfig) *Notifier {
	return &Notifier{
		project: project,
		cfg:     cfg,
		client:  &http.Client{Timeout: deliveryTimeout},
	}
}

// enabled reports whether the event should be delivered at all.
func (n *Notifier) enabled(event string) bool {
	if n.cfg == nil || n.cfg.URL == "" {
		return false
	}
	if len(n.cfg.Events) == 0 {
		return true
	}
	for _, e := range n.cfg.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Send delivers one event. Errors are logged, never returned; the pipeline
// must not depend on webhook availability.
func (n *Notifier) Send(ctx context.Context, p Payload) {
	if !n.enabled(p.Event) {
		return
	}
	p.Project = n.project
	if p.Status == "" {
		p.Status = "ok"
	}

	body, err := json.Marshal(p)
	if err != nil {
		log.Printf("WARNING: notify: marshaling payload: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		log.Printf("WARNING: notify: building request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("WARNING: notify: webhook failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("WARNING: notify: webhook returned %s for %s", resp.Status, p.Event)
	}
}

// TaskLabel formats a task for webhook payloads, matching the roadmap
// heading form.
func TaskLabel(t *roadmap.Task) string {
	return fmt.Sprintf("%03d - %s", t.ID, t.Title)
}
