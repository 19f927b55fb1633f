package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Embed colours by severity.
const (
	colorWarning  = 0xF1C40F
	colorCritical = 0xE74C3C
)

// DiscordSender posts alerts to a Discord webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: defaultClient()}
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Send delivers m.
func (d *DiscordSender) Send(ctx context.Context, m Message) error {
	embed := discordEmbed{
		Title:       m.Title,
		Description: m.Text,
		Color:       colorWarning,
		Timestamp:   m.At.UTC().Format(time.RFC3339),
	}
	if m.Critical {
		embed.Color = colorCritical
	}
	if m.Component != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "component", Value: m.Component, Inline: true})
	}
	if m.Threshold != 0 {
		embed.Fields = append(embed.Fields,
			discordField{Name: "value", Value: fmt.Sprintf("%g", m.Value), Inline: true},
			discordField{Name: "threshold", Value: fmt.Sprintf("%g", m.Threshold), Inline: true},
		)
	}
	if err := postJSON(ctx, d.client, d.webhookURL, discordPayload{Embeds: []discordEmbed{embed}}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns "discord".
func (d *DiscordSender) Name() string { return "discord" }
