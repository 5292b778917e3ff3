// Copyright 2024-2026 Aiku AI

// Package webhook forwards inbound message events to a per-instance backend
// URL. Dispatch is fire-and-forget telemetry forwarding, not a delivery
// guarantee: failures are logged and dropped, never retried, never surfaced.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/aiku/wagate/pkg/protocol"
)

// DefaultTimeout bounds a single webhook POST.
const DefaultTimeout = 10 * time.Second

// Dispatcher posts message payloads to URLs derived from instance
// identities. A nil Dispatcher is a valid no-op sink.
type Dispatcher struct {
	client      *http.Client
	urlTemplate *template.Template
	log         zerolog.Logger

	wg sync.WaitGroup
}

// templateParams is the data handed to the URL template.
type templateParams struct {
	Instance string
}

// payload is the fixed webhook body shape.
type payload struct {
	Type string      `json:"type"`
	Data payloadData `json:"data"`
}

type payloadData struct {
	Key       protocol.MessageKey `json:"key"`
	Message   json.RawMessage     `json:"message"`
	Timestamp jsontime.UnixMilli  `json:"timestamp"`
}

// NewDispatcher compiles the URL template, e.g.
// "http://backend:4000/webhooks/{{.Instance}}". An empty template returns a
// nil dispatcher, which drops everything.
func NewDispatcher(urlTemplate string, timeout time.Duration, log zerolog.Logger) (*Dispatcher, error) {
	if strings.TrimSpace(urlTemplate) == "" {
		return nil, nil
	}
	tmpl, err := template.New("webhook_url").Parse(urlTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse webhook URL template: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		client:      &http.Client{Timeout: timeout},
		urlTemplate: tmpl,
		log:         log.With().Str("component", "webhook").Logger(),
	}, nil
}

// Dispatch posts the message to the instance's webhook URL asynchronously.
// It returns immediately; the caller's event processing is never blocked.
func (d *Dispatcher) Dispatch(instance string, msg protocol.Message) {
	if d == nil {
		return
	}
	url, err := d.url(instance)
	if err != nil {
		d.log.Warn().Err(err).Str("instance", instance).Msg("Failed to build webhook URL")
		return
	}
	body, err := json.Marshal(payload{
		Type: "message",
		Data: payloadData{
			Key:       msg.Key,
			Message:   msg.Raw,
			Timestamp: jsontime.UM(msg.Timestamp),
		},
	})
	if err != nil {
		d.log.Warn().Err(err).Str("instance", instance).Msg("Failed to encode webhook payload")
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.post(instance, url, body)
	}()
}

func (d *Dispatcher) post(instance, url string, body []byte) {
	resp, err := d.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		d.log.Warn().Err(err).Str("instance", instance).Str("url", url).Msg("Webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.log.Warn().
			Int("status", resp.StatusCode).
			Str("instance", instance).
			Str("url", url).
			Msg("Webhook rejected")
		return
	}
	d.log.Debug().Str("instance", instance).Msg("Webhook delivered")
}

func (d *Dispatcher) url(instance string) (string, error) {
	var buf bytes.Buffer
	if err := d.urlTemplate.Execute(&buf, templateParams{Instance: instance}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Flush waits for in-flight deliveries; used during graceful shutdown.
func (d *Dispatcher) Flush() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
