// Package tenant loads per-company channel, agent and settings records.
package tenant

import (
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/zapdesk/internal/businesshours"
)

// Channel is a WhatsApp number connected through the gateway. Name is the
// gateway instance name webhooks arrive with.
type Channel struct {
	ID        uuid.UUID  `json:"id"`
	CompanyID uuid.UUID  `json:"company_id"`
	Name      string     `json:"name"`
	Token     string     `json:"token"`
	AgentID   *uuid.UUID `json:"agent_id,omitempty"`
}

// AgentPrompt holds the persona sections an operator fills in the dashboard.
type AgentPrompt struct {
	Role    string `json:"role"`
	Context string `json:"context"`
	Action  string `json:"action"`
	Intent  string `json:"intent"`
	Format  string `json:"format"`
}

// Render serializes the sections into the system instruction text. Empty
// sections are skipped.
func (p AgentPrompt) Render() string {
	sections := []struct{ title, body string }{
		{"ROLE", p.Role},
		{"CONTEXT", p.Context},
		{"ACTION", p.Action},
		{"INTENT", p.Intent},
		{"FORMAT", p.Format},
	}
	var b strings.Builder
	for _, s := range sections {
		body := strings.TrimSpace(s.body)
		if body == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("# ")
		b.WriteString(s.title)
		b.WriteString("\n")
		b.WriteString(body)
	}
	return b.String()
}

// IsEmpty reports whether no section has content.
func (p AgentPrompt) IsEmpty() bool {
	return p.Render() == ""
}

// InheritFrom fills empty sections from parent.
func (p AgentPrompt) InheritFrom(parent AgentPrompt) AgentPrompt {
	pick := func(own, inherited string) string {
		if strings.TrimSpace(own) != "" {
			return own
		}
		return inherited
	}
	return AgentPrompt{
		Role:    pick(p.Role, parent.Role),
		Context: pick(p.Context, parent.Context),
		Action:  pick(p.Action, parent.Action),
		Intent:  pick(p.Intent, parent.Intent),
		Format:  pick(p.Format, parent.Format),
	}
}

// Agent is the AI persona bound to a channel.
type Agent struct {
	ID            uuid.UUID   `json:"id"`
	CompanyID     uuid.UUID   `json:"company_id"`
	Name          string      `json:"name"`
	Prompt        AgentPrompt `json:"prompt"`
	EnableAudio   bool        `json:"enable_audio"`
	EnableImage   bool        `json:"enable_image"`
	IsMultiAgent  bool        `json:"is_multi_agent"`
	ParentAgentID *uuid.UUID  `json:"parent_agent_id,omitempty"`
}

// Settings are the company-wide business facts and opening hours.
type Settings struct {
	CompanyID          uuid.UUID `json:"company_id"`
	BusinessHoursStart string    `json:"business_hours_start"`
	BusinessHoursEnd   string    `json:"business_hours_end"`
	WorkingDays        []string  `json:"working_days"`
	Timezone           string    `json:"timezone"`
	OfflineMessage     string    `json:"offline_message"`
	Address            string    `json:"address"`
	Website            string    `json:"website"`
	Instagram          string    `json:"instagram"`
}

// Schedule builds the opening schedule, using defaultTZ when none is stored.
func (s Settings) Schedule(defaultTZ string) (businesshours.Schedule, error) {
	tz := s.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = defaultTZ
	}
	return businesshours.NewSchedule(s.WorkingDays, s.BusinessHoursStart, s.BusinessHoursEnd, tz)
}
