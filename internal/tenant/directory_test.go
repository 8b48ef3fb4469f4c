package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLDirectory_ChannelByName(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	dir := NewSQLDirectory(db)

	channelID, companyID, agentID := uuid.New(), uuid.New(), uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM channels").
		WithArgs("comercial").
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "name", "token", "agent_id"}).
			AddRow(channelID.String(), companyID.String(), "comercial", "tok-1", agentID.String()))

	ch, err := dir.ChannelByName(context.Background(), "comercial")
	require.NoError(t, err)
	assert.Equal(t, channelID, ch.ID)
	assert.Equal(t, companyID, ch.CompanyID)
	assert.Equal(t, "tok-1", ch.Token)
	require.NotNil(t, ch.AgentID)
	assert.Equal(t, agentID, *ch.AgentID)

	mock.ExpectQuery("SELECT (.+) FROM channels").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "name", "token", "agent_id"}))
	_, err = dir.ChannelByName(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrChannelNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDirectory_AgentDecodesSections(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	dir := NewSQLDirectory(db)

	agentID, companyID := uuid.New(), uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM agents").
		WithArgs(agentID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "name", "prompt_sections", "enable_audio", "enable_image", "is_multi_agent", "parent_agent_id"}).
			AddRow(agentID.String(), companyID.String(), "Sofia", `{"role":"Atendente","format":"Curto"}`, true, false, false, nil))

	agent, err := dir.Agent(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, "Atendente", agent.Prompt.Role)
	assert.Equal(t, "Curto", agent.Prompt.Format)
	assert.True(t, agent.EnableAudio)
	assert.False(t, agent.EnableImage)
	assert.Nil(t, agent.ParentAgentID)
}

func TestSQLDirectory_SettingsMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	dir := NewSQLDirectory(db)

	companyID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM settings").
		WithArgs(companyID).
		WillReturnRows(sqlmock.NewRows([]string{"business_hours_start"}))

	s, err := dir.Settings(context.Background(), companyID)
	require.NoError(t, err)
	assert.Equal(t, companyID, s.CompanyID)
	assert.Empty(t, s.WorkingDays)
}

func TestSQLDirectory_SettingsWorkingDays(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	dir := NewSQLDirectory(db)

	companyID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM settings").
		WithArgs(companyID).
		WillReturnRows(sqlmock.NewRows([]string{"business_hours_start", "business_hours_end", "working_days", "timezone", "offline_message", "address", "website", "instagram"}).
			AddRow("08:00", "18:00", "{Segunda,Sexta}", "", "Voltamos amanhã às 8h", "Rua A, 10", "https://sorriso.example", "@sorriso"))

	s, err := dir.Settings(context.Background(), companyID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Segunda", "Sexta"}, s.WorkingDays)
	assert.Equal(t, "Voltamos amanhã às 8h", s.OfflineMessage)
	assert.Equal(t, "@sorriso", s.Instagram)
}

type stubDirectory struct {
	agents map[uuid.UUID]Agent
	calls  int
}

func (s *stubDirectory) ChannelByName(ctx context.Context, name string) (Channel, error) {
	s.calls++
	if name == "missing" {
		return Channel{}, ErrChannelNotFound
	}
	return Channel{Name: name, Token: "tok"}, nil
}

func (s *stubDirectory) Agent(ctx context.Context, id uuid.UUID) (Agent, error) {
	s.calls++
	a, ok := s.agents[id]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return a, nil
}

func (s *stubDirectory) Settings(ctx context.Context, companyID uuid.UUID) (Settings, error) {
	s.calls++
	return Settings{CompanyID: companyID, OfflineMessage: "fechado"}, nil
}

func TestResolveAgentInheritsFromParent(t *testing.T) {
	parentID, childID := uuid.New(), uuid.New()
	dir := &stubDirectory{agents: map[uuid.UUID]Agent{
		parentID: {ID: parentID, Prompt: AgentPrompt{Role: "Recepção", Context: "Clínica"}},
		childID:  {ID: childID, IsMultiAgent: true, ParentAgentID: &parentID, Prompt: AgentPrompt{Role: "Financeiro"}},
	}}

	agent, err := ResolveAgent(context.Background(), dir, childID)
	require.NoError(t, err)
	assert.Equal(t, "Financeiro", agent.Prompt.Role)
	assert.Equal(t, "Clínica", agent.Prompt.Context)
}

func TestResolveAgentMissingParent(t *testing.T) {
	ghost, childID := uuid.New(), uuid.New()
	dir := &stubDirectory{agents: map[uuid.UUID]Agent{
		childID: {ID: childID, ParentAgentID: &ghost, Prompt: AgentPrompt{Role: "Solo"}},
	}}
	agent, err := ResolveAgent(context.Background(), dir, childID)
	require.NoError(t, err)
	assert.Equal(t, "Solo", agent.Prompt.Role)
}
