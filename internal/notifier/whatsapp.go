// Package notifier contains flush listeners that deliver correlated
// incident alerts to external channels.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetsignal/fleetsignal/internal/classify"
	"github.com/fleetsignal/fleetsignal/internal/fleetapi"
)

// Recipient is a WhatsApp destination in international format,
// e.g. 5212227086105.
type Recipient struct {
	Number string `mapstructure:"number"`
	Name   string `mapstructure:"name"`
}

// WhatsAppConfig holds Graph API settings for the template sender.
type WhatsAppConfig struct {
	// GraphURL is the full messages endpoint, including the phone number ID,
	// e.g. https://graph.facebook.com/v22.0/<phone_number_id>/messages.
	GraphURL string
	Token    string
	// TemplateName is the pre-approved template, defaulting to alerta_siniestro.
	TemplateName string
	LanguageCode string
	// HeaderImageURL fills the template's image header parameter.
	HeaderImageURL string
	Recipients     []Recipient
	Timeout        time.Duration
}

// WhatsAppNotifier sends an alert template to every configured recipient
// when a vehicle's incident window flushes.
type WhatsAppNotifier struct {
	cfg    WhatsAppConfig
	fleet  *fleetapi.Client
	client *http.Client
	logger *slog.Logger
}

// NewWhatsApp builds the notifier. fleet is used to resolve the vehicle
// label shown in the message body.
func NewWhatsApp(cfg WhatsAppConfig, fleet *fleetapi.Client, logger *slog.Logger) *WhatsAppNotifier {
	if cfg.TemplateName == "" {
		cfg.TemplateName = "alerta_siniestro"
	}
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "es_MX"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &WhatsAppNotifier{
		cfg:    cfg,
		fleet:  fleet,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (n *WhatsAppNotifier) Name() string { return "whatsapp" }

// HandleFlush resolves the vehicle label and sends the alert template to
// each recipient. A failed recipient does not stop delivery to the rest.
func (n *WhatsAppNotifier) HandleFlush(ctx context.Context, vehicleID int64, snapshot []classify.Incident) error {
	if len(snapshot) == 0 {
		return nil
	}

	label, err := n.fleet.TrackerLabel(ctx, vehicleID)
	if err != nil {
		// The alert is still worth sending without a friendly name.
		n.logger.Warn("tracker label lookup failed", "vehicle_id", vehicleID, "error", err)
		label = fmt.Sprintf("Unidad %d", vehicleID)
	}

	coords := LastValidCoords(snapshot)
	eventDate := snapshot[len(snapshot)-1].EventDate
	names := incidentNames(snapshot, 3)

	var firstErr error
	for _, r := range n.cfg.Recipients {
		if err := n.sendTemplate(ctx, r.Number, label, eventDate, names, coords); err != nil {
			n.logger.Error("whatsapp send failed",
				"recipient", r.Number, "vehicle_id", vehicleID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n.logger.Info("whatsapp alert sent",
			"recipient", r.Number, "vehicle_id", vehicleID, "label", label)
	}
	return firstErr
}

// LastValidCoords returns the newest non-zero coordinate pair in the
// snapshot as "lat,lng", or "" when no incident carried a position.
func LastValidCoords(snapshot []classify.Incident) string {
	for i := len(snapshot) - 1; i >= 0; i-- {
		inc := snapshot[i]
		if inc.Lat != 0 && inc.Lng != 0 {
			return fmt.Sprintf("%g,%g", inc.Lat, inc.Lng)
		}
	}
	return ""
}

func incidentNames(snapshot []classify.Incident, limit int) []string {
	names := make([]string, 0, limit)
	for _, inc := range snapshot {
		if len(names) == limit {
			break
		}
		names = append(names, inc.Name)
	}
	for len(names) < limit {
		names = append(names, "-")
	}
	return names
}

type templateParam struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Image *templateImage `json:"image,omitempty"`
}

type templateImage struct {
	Link string `json:"link"`
}

type templateComponent struct {
	Type       string          `json:"type"`
	SubType    string          `json:"sub_type,omitempty"`
	Index      string          `json:"index,omitempty"`
	Parameters []templateParam `json:"parameters"`
}

type templateMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Template         struct {
		Name     string `json:"name"`
		Language struct {
			Code string `json:"code"`
		} `json:"language"`
		Components []templateComponent `json:"components"`
	} `json:"template"`
}

func (n *WhatsAppNotifier) sendTemplate(ctx context.Context, number, label, eventDate string, names []string, coords string) error {
	msg := templateMessage{
		MessagingProduct: "whatsapp",
		To:               number,
		Type:             "template",
	}
	msg.Template.Name = n.cfg.TemplateName
	msg.Template.Language.Code = n.cfg.LanguageCode

	if n.cfg.HeaderImageURL != "" {
		msg.Template.Components = append(msg.Template.Components, templateComponent{
			Type: "header",
			Parameters: []templateParam{
				{Type: "image", Image: &templateImage{Link: n.cfg.HeaderImageURL}},
			},
		})
	}

	body := templateComponent{Type: "body"}
	body.Parameters = append(body.Parameters,
		templateParam{Type: "text", Text: label},
		templateParam{Type: "text", Text: eventDate},
	)
	for _, name := range names {
		body.Parameters = append(body.Parameters, templateParam{Type: "text", Text: name})
	}
	msg.Template.Components = append(msg.Template.Components, body)

	if coords != "" {
		msg.Template.Components = append(msg.Template.Components, templateComponent{
			Type:    "button",
			SubType: "url",
			Index:   "0",
			Parameters: []templateParam{
				{Type: "text", Text: coords},
			},
		})
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal template message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.GraphURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post template message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("graph api returned %d: %s", resp.StatusCode, raw)
	}
	return nil
}
