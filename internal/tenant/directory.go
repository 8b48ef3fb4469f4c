package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrChannelNotFound = errors.New("tenant: channel not found")
	ErrAgentNotFound   = errors.New("tenant: agent not found")
)

// Directory resolves the tenant records a webhook needs.
type Directory interface {
	ChannelByName(ctx context.Context, name string) (Channel, error)
	Agent(ctx context.Context, id uuid.UUID) (Agent, error)
	Settings(ctx context.Context, companyID uuid.UUID) (Settings, error)
}

// SQLDirectory reads tenant records from Postgres through database/sql.
type SQLDirectory struct {
	db *sql.DB
}

func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	if db == nil {
		panic("tenant: db required")
	}
	return &SQLDirectory{db: db}
}

func (d *SQLDirectory) ChannelByName(ctx context.Context, name string) (Channel, error) {
	var (
		ch      Channel
		agentID uuid.NullUUID
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, company_id, name, token, agent_id
		FROM channels
		WHERE name = $1
	`, name).Scan(&ch.ID, &ch.CompanyID, &ch.Name, &ch.Token, &agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Channel{}, ErrChannelNotFound
		}
		return Channel{}, fmt.Errorf("tenant: load channel: %w", err)
	}
	if agentID.Valid {
		ch.AgentID = &agentID.UUID
	}
	return ch, nil
}

func (d *SQLDirectory) Agent(ctx context.Context, id uuid.UUID) (Agent, error) {
	var (
		a        Agent
		sections []byte
		parentID uuid.NullUUID
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, company_id, name, prompt_sections, enable_audio, enable_image, is_multi_agent, parent_agent_id
		FROM agents
		WHERE id = $1
	`, id).Scan(&a.ID, &a.CompanyID, &a.Name, &sections, &a.EnableAudio, &a.EnableImage, &a.IsMultiAgent, &parentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, fmt.Errorf("tenant: load agent: %w", err)
	}
	if len(sections) > 0 {
		if err := json.Unmarshal(sections, &a.Prompt); err != nil {
			return Agent{}, fmt.Errorf("tenant: decode prompt sections: %w", err)
		}
	}
	if parentID.Valid {
		a.ParentAgentID = &parentID.UUID
	}
	return a, nil
}

// Settings returns the stored settings, or empty settings when the company
// never saved any.
func (d *SQLDirectory) Settings(ctx context.Context, companyID uuid.UUID) (Settings, error) {
	s := Settings{CompanyID: companyID}
	err := d.db.QueryRowContext(ctx, `
		SELECT business_hours_start, business_hours_end, working_days, timezone,
			offline_message, address, website, instagram
		FROM settings
		WHERE company_id = $1
	`, companyID).Scan(&s.BusinessHoursStart, &s.BusinessHoursEnd, pq.Array(&s.WorkingDays), &s.Timezone,
		&s.OfflineMessage, &s.Address, &s.Website, &s.Instagram)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Settings{CompanyID: companyID}, nil
		}
		return Settings{}, fmt.Errorf("tenant: load settings: %w", err)
	}
	return s, nil
}

// ResolveAgent loads an agent and, for multi-agent children, fills empty
// prompt sections from the parent agent.
func ResolveAgent(ctx context.Context, d Directory, id uuid.UUID) (Agent, error) {
	agent, err := d.Agent(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	if agent.ParentAgentID == nil || *agent.ParentAgentID == agent.ID {
		return agent, nil
	}
	parent, err := d.Agent(ctx, *agent.ParentAgentID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return agent, nil
		}
		return Agent{}, err
	}
	agent.Prompt = agent.Prompt.InheritFrom(parent.Prompt)
	return agent, nil
}
