package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/zapdesk/internal/assistant"
	"github.com/wolfman30/zapdesk/internal/content"
	"github.com/wolfman30/zapdesk/internal/debounce"
	"github.com/wolfman30/zapdesk/internal/events"
	"github.com/wolfman30/zapdesk/internal/inbox"
	"github.com/wolfman30/zapdesk/internal/observability/metrics"
	"github.com/wolfman30/zapdesk/internal/tenant"
	"github.com/wolfman30/zapdesk/internal/webhook"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

const (
	testChannel = "loja-centro"
	testPhone   = "5511999999999"
)

type harness struct {
	p         *Pipeline
	store     *memInbox
	claims    *memClaims
	dir       *stubDirectory
	extractor *stubExtractor
	generator *stubGenerator
	gateway   *stubGateway
	alerter   *recordingAlerter
	scheduler *recordingScheduler
	registry  *prometheus.Registry
	agentID   uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.New("error")
	reg := prometheus.NewRegistry()
	m := metrics.NewPipelineMetrics(reg)

	agentID := uuid.New()
	companyID := uuid.New()
	h := &harness{
		store:  newMemInbox(),
		claims: newMemClaims(),
		dir: &stubDirectory{
			channels: map[string]tenant.Channel{
				testChannel: {ID: uuid.New(), CompanyID: companyID, Name: testChannel, Token: "tok-123", AgentID: &agentID},
			},
			agents: map[uuid.UUID]tenant.Agent{
				agentID: {ID: agentID, CompanyID: companyID, EnableAudio: true, Prompt: tenant.AgentPrompt{Role: "Atendente da Loja Centro"}},
			},
		},
		extractor: &stubExtractor{},
		generator: &stubGenerator{reply: "Abrimos sábado das 9h às 13h."},
		gateway:   &stubGateway{},
		alerter:   &recordingAlerter{},
		scheduler: &recordingScheduler{},
		registry:  reg,
		agentID:   agentID,
	}
	coord := debounce.NewCoordinator(h.store, h.store, h.scheduler, logger, debounce.WithCoordinatorMetrics(m))
	dispatcher := NewDispatcher(h.gateway, h.store, h.claims, h.alerter, m, logger)
	p, err := New(Deps{
		Directory:  h.dir,
		Store:      h.store,
		Messages:   h.store,
		Claims:     h.claims,
		Extractor:  h.extractor,
		Debounce:   coord,
		Generator:  h.generator,
		Dispatcher: dispatcher,
		Metrics:    m,
		Logger:     logger,
	}, Config{})
	require.NoError(t, err)
	h.p = p
	return h
}

func textEvent(id, text string) webhook.InboundEvent {
	return webhook.InboundEvent{
		ChannelName: testChannel,
		MessageID:   id,
		Phone:       testPhone,
		PushName:    "Maria",
		Kind:        content.KindText,
		Text:        text,
		ReceivedAt:  time.Now(),
	}
}

func (h *harness) flushAll(t *testing.T) {
	t.Helper()
	for _, job := range h.scheduler.jobs {
		require.NoError(t, h.p.Flush(context.Background(), job))
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}

func TestBurstGetsSingleReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, text := range []string{"a", "b", "c"} {
		outcome, err := h.p.HandleInbound(ctx, textEvent("MSG"+string(rune('0'+i)), text))
		require.NoError(t, err)
		assert.Equal(t, webhook.OutcomeBuffered, outcome)
	}
	require.Len(t, h.scheduler.jobs, 3)

	h.flushAll(t)

	require.Equal(t, 1, h.gateway.count())
	sent := h.gateway.sent[0]
	assert.Equal(t, testChannel, sent.Instance)
	assert.Equal(t, "tok-123", sent.Token)
	assert.Equal(t, testPhone, sent.Number)
	assert.Equal(t, "Abrimos sábado das 9h às 13h.", sent.Text)

	require.Len(t, h.generator.inputs, 1)
	in := h.generator.inputs[0]
	assert.Equal(t, "a b c", in.Text)
	assert.Equal(t, "Atendente da Loja Centro", in.Agent.Prompt.Role)
	assert.Len(t, in.History, 3)

	assert.Len(t, h.store.rows(inbox.SenderUser), 3)
	aiRows := h.store.rows(inbox.SenderAI)
	require.Len(t, aiRows, 1)
	assert.Equal(t, sent.Text, aiRows[0].Content)

	snap, err := metrics.Snapshot(h.registry)
	require.NoError(t, err)
	assert.Equal(t, float64(2), snap["zapdesk_debounce_flush_total{stale}"])
	assert.Equal(t, float64(1), snap["zapdesk_debounce_flush_total{replied}"])
	assert.Equal(t, float64(1), snap["zapdesk_outbound_total{reply,sent}"])
}

func TestDuplicateWebhookIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	outcome, err := h.p.HandleInbound(ctx, textEvent("MSG1", "oi"))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeBuffered, outcome)

	outcome, err = h.p.HandleInbound(ctx, textEvent("MSG1", "oi"))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, outcome)
	assert.Len(t, h.store.rows(inbox.SenderUser), 1)
	assert.Len(t, h.scheduler.jobs, 1)
}

func TestUnknownChannelReleasesClaim(t *testing.T) {
	h := newHarness(t)
	evt := textEvent("MSG1", "oi")
	evt.ChannelName = "desconhecido"

	_, err := h.p.HandleInbound(context.Background(), evt)
	require.ErrorIs(t, err, webhook.ErrUnknownChannel)
	assert.False(t, h.claims.has(events.ProviderEvolution, events.MessageKey("desconhecido", "MSG1")))
}

func TestPersistenceFailureReleasesClaim(t *testing.T) {
	h := newHarness(t)
	h.store.appendErr = errBoom

	_, err := h.p.HandleInbound(context.Background(), textEvent("MSG1", "oi"))
	require.ErrorIs(t, err, errBoom)
	assert.False(t, h.claims.has(events.ProviderEvolution, events.MessageKey(testChannel, "MSG1")))
}

func TestSelfEchoPausesAI(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	evt := textEvent("OP1", "Oi Maria, aqui é o João")
	evt.FromMe = true
	evt.PushName = "João"
	outcome, err := h.p.HandleInbound(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeOperator, outcome)

	conv := h.store.only()
	require.NotNil(t, conv)
	assert.True(t, conv.HumanActive)
	ops := h.store.rows(inbox.SenderOperator)
	require.Len(t, ops, 1)
	assert.Equal(t, "Oi Maria, aqui é o João", ops[0].Content)
	for _, c := range h.store.contacts {
		assert.Empty(t, c.Name, "operator push name must not become the contact name")
	}

	// Subsequent contact message is stored but never answered.
	outcome, err = h.p.HandleInbound(ctx, textEvent("MSG2", "ok"))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeHumanActive, outcome)
	assert.Empty(t, h.scheduler.jobs)
	assert.Zero(t, h.gateway.count())
	assert.Zero(t, h.extractor.calls)
}

func TestOperatorMediaPlaceholder(t *testing.T) {
	h := newHarness(t)
	evt := webhook.InboundEvent{ChannelName: testChannel, MessageID: "OP2", Phone: testPhone, FromMe: true, Kind: content.KindImage}

	_, err := h.p.HandleInbound(context.Background(), evt)
	require.NoError(t, err)
	ops := h.store.rows(inbox.SenderOperator)
	require.Len(t, ops, 1)
	assert.Equal(t, DefaultOperatorPlaceholder, ops[0].Content)
}

func TestHumanActiveStoresMediaLabelWithoutAI(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.p.HandleInbound(ctx, textEvent("MSG1", "oi"))
	require.NoError(t, err)
	require.NoError(t, h.store.SetHumanActive(ctx, h.store.only().ID, true))

	audio := webhook.InboundEvent{ChannelName: testChannel, MessageID: "AUD1", Phone: testPhone, Kind: content.KindAudio}
	outcome, err := h.p.HandleInbound(ctx, audio)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeHumanActive, outcome)

	users := h.store.rows(inbox.SenderUser)
	require.Len(t, users, 2)
	assert.Equal(t, content.AudioTag, users[1].Content)
	assert.Equal(t, 1, h.extractor.calls)
}

func TestOwnReplyEchoDoesNotMaskLaterOperatorText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.p.HandleInbound(ctx, textEvent("MSG1", "que horas abre?"))
	require.NoError(t, err)
	h.flushAll(t)
	require.Equal(t, 1, h.gateway.count())

	// Echo arriving with the gateway id we recorded.
	echo := textEvent("BAE5B", h.generator.reply)
	echo.FromMe = true
	outcome, err := h.p.HandleInbound(ctx, echo)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, outcome)
	assert.False(t, h.store.only().HumanActive)
	assert.Empty(t, h.store.rows(inbox.SenderOperator))

	// Later the operator types the same words from the phone.
	typed := textEvent("3EB0OP", h.generator.reply)
	typed.FromMe = true
	outcome, err = h.p.HandleInbound(ctx, typed)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeOperator, outcome)
	assert.True(t, h.store.only().HumanActive)
	ops := h.store.rows(inbox.SenderOperator)
	require.Len(t, ops, 1)
	assert.Equal(t, h.generator.reply, ops[0].Content)
}

func TestEchoWithoutGatewayIDMatchedOnceByContent(t *testing.T) {
	h := newHarness(t)
	h.gateway.noID = true
	ctx := context.Background()
	_, err := h.p.HandleInbound(ctx, textEvent("MSG1", "que horas abre?"))
	require.NoError(t, err)
	h.flushAll(t)
	require.Equal(t, 1, h.gateway.count())

	echo := textEvent("ECHO1", h.generator.reply)
	echo.FromMe = true
	outcome, err := h.p.HandleInbound(ctx, echo)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, outcome)
	assert.False(t, h.store.only().HumanActive)

	typed := textEvent("OP9", h.generator.reply)
	typed.FromMe = true
	outcome, err = h.p.HandleInbound(ctx, typed)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeOperator, outcome)
	assert.True(t, h.store.only().HumanActive)
}

func TestScheduleFailureAnswersWithoutDuplicatingOnRedelivery(t *testing.T) {
	h := newHarness(t)
	h.scheduler.failures = 1
	ctx := context.Background()

	outcome, err := h.p.HandleInbound(ctx, textEvent("MSG1", "quero agendar"))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeBuffered, outcome)
	assert.Empty(t, h.scheduler.jobs)

	// Answered immediately, so the buffer is not left without a pending check.
	require.Len(t, h.generator.inputs, 1)
	assert.Equal(t, "quero agendar", h.generator.inputs[0].Text)
	assert.Equal(t, 1, h.gateway.count())
	assert.Empty(t, h.store.only().TempBuffer)

	outcome, err = h.p.HandleInbound(ctx, textEvent("MSG1", "quero agendar"))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, outcome)
	assert.Len(t, h.store.rows(inbox.SenderUser), 1)
	assert.Len(t, h.generator.inputs, 1)

	snap, err := metrics.Snapshot(h.registry)
	require.NoError(t, err)
	assert.Equal(t, float64(1), snap["zapdesk_debounce_flush_total{schedule_failed}"])
}

func TestFragmentsApartGetSeparateReplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.p.HandleInbound(ctx, textEvent("MSG1", "a"))
	require.NoError(t, err)
	require.Len(t, h.scheduler.jobs, 1)
	require.NoError(t, h.p.Flush(ctx, h.scheduler.jobs[0]))
	assert.Empty(t, h.store.only().TempBuffer)

	_, err = h.p.HandleInbound(ctx, textEvent("MSG2", "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", h.store.only().TempBuffer)
	require.Len(t, h.scheduler.jobs, 2)
	require.NoError(t, h.p.Flush(ctx, h.scheduler.jobs[1]))

	assert.Equal(t, 2, h.gateway.count())
	require.Len(t, h.generator.inputs, 2)
	assert.Equal(t, "a", h.generator.inputs[0].Text)
	assert.Equal(t, "b", h.generator.inputs[1].Text)
	assert.Len(t, h.store.rows(inbox.SenderAI), 2)
}

func TestOfflineSendsConfiguredMessage(t *testing.T) {
	h := newHarness(t)
	h.dir.settings = tenant.Settings{
		BusinessHoursStart: "08:00",
		BusinessHoursEnd:   "18:00",
		WorkingDays:        []string{"segunda", "terça", "quarta", "quinta", "sexta"},
		Timezone:           "America/Sao_Paulo",
		OfflineMessage:     "Estamos fechados.\nVoltamos segunda às 8h. ",
	}
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	h.p.now = func() time.Time { return time.Date(2024, 6, 8, 10, 0, 0, 0, loc) } // Saturday

	outcome, err := h.p.HandleInbound(context.Background(), textEvent("MSG1", "oi"))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeOffline, outcome)

	require.Equal(t, 1, h.gateway.count())
	assert.Equal(t, "Estamos fechados.\nVoltamos segunda às 8h. ", h.gateway.sent[0].Text)
	assert.Len(t, h.store.rows(inbox.SenderUser), 1)
	assert.Len(t, h.store.rows(inbox.SenderAI), 1)
	assert.Empty(t, h.generator.inputs)
	assert.Empty(t, h.scheduler.jobs)
	assert.Zero(t, h.extractor.calls)
}

func TestOfflineWithoutMessageSendsNothing(t *testing.T) {
	h := newHarness(t)
	h.dir.settings = tenant.Settings{BusinessHoursStart: "08:00", BusinessHoursEnd: "09:00", WorkingDays: []string{"monday"}, Timezone: "UTC"}
	h.p.now = func() time.Time { return time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC) }

	outcome, err := h.p.HandleInbound(context.Background(), textEvent("MSG1", "oi"))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeOffline, outcome)
	assert.Zero(t, h.gateway.count())
	assert.Len(t, h.store.rows(inbox.SenderUser), 1)
}

func TestFallbackRepliesAndNeverBuffers(t *testing.T) {
	h := newHarness(t)
	h.extractor.result = func(in content.Input, caps content.Capabilities) content.Result {
		assert.True(t, caps.Audio)
		assert.False(t, caps.Image)
		return content.Result{Kind: in.Kind, Fallback: true, Reason: "disabled"}
	}
	img := webhook.InboundEvent{ChannelName: testChannel, MessageID: "IMG1", Phone: testPhone, Kind: content.KindImage}

	outcome, err := h.p.HandleInbound(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeFallback, outcome)

	require.Equal(t, 1, h.gateway.count())
	assert.Equal(t, DefaultFallbackReply, h.gateway.sent[0].Text)
	system := h.store.rows(inbox.SenderSystem)
	require.Len(t, system, 1)
	assert.Contains(t, system[0].Content, "IMAGE")
	assert.Len(t, h.store.rows(inbox.SenderAI), 1)
	assert.Empty(t, h.scheduler.jobs)
	assert.Empty(t, h.store.only().TempBuffer)
}

func TestFallbackDispatchFailureStillAcknowledges(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = errBoom
	h.extractor.result = func(in content.Input, _ content.Capabilities) content.Result {
		return content.Result{Kind: in.Kind, Fallback: true, Reason: "unsupported"}
	}
	evt := webhook.InboundEvent{ChannelName: testChannel, MessageID: "STK1", Phone: testPhone, Kind: content.KindUnsupported}

	outcome, err := h.p.HandleInbound(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeFallback, outcome)
	assert.Empty(t, h.store.rows(inbox.SenderAI))
	require.Len(t, h.alerter.failures, 1)
	assert.Equal(t, "fallback", h.alerter.failures[0].ReplyKind)
}

func TestTakeoverInsideWindowSuppressesReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.p.HandleInbound(ctx, textEvent("MSG1", "quero falar com alguém"))
	require.NoError(t, err)
	require.NoError(t, h.store.SetHumanActive(ctx, h.store.only().ID, true))

	h.flushAll(t)
	assert.Zero(t, h.gateway.count())
	assert.Empty(t, h.generator.inputs)
	assert.Empty(t, h.store.only().TempBuffer)
}

func TestTakeoverDuringGenerationDiscardsReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.p.HandleInbound(ctx, textEvent("MSG1", "oi"))
	require.NoError(t, err)
	h.store.takeoverOnGet = 2

	h.flushAll(t)
	assert.Len(t, h.generator.inputs, 1)
	assert.Zero(t, h.gateway.count())
	assert.Empty(t, h.store.rows(inbox.SenderAI))
}

func TestGenerationFailureSendsNothing(t *testing.T) {
	h := newHarness(t)
	h.generator.err = assistant.ErrNoReply
	_, err := h.p.HandleInbound(context.Background(), textEvent("MSG1", "oi"))
	require.NoError(t, err)

	err = h.p.Flush(context.Background(), h.scheduler.jobs[0])
	require.ErrorIs(t, err, assistant.ErrNoReply)
	assert.Zero(t, h.gateway.count())
	assert.Empty(t, h.store.rows(inbox.SenderAI))
}

func TestFlushDispatchFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.HandleInbound(context.Background(), textEvent("MSG1", "oi"))
	require.NoError(t, err)
	h.gateway.err = errors.New("evolution: status 503")

	err = h.p.Flush(context.Background(), h.scheduler.jobs[0])
	require.ErrorIs(t, err, ErrDispatch)
	assert.Empty(t, h.store.rows(inbox.SenderAI))
	require.Len(t, h.alerter.failures, 1)
	assert.True(t, strings.Contains(h.alerter.failures[0].Err.Error(), "503"))
}

func TestMissingAgentUsesDefaults(t *testing.T) {
	h := newHarness(t)
	delete(h.dir.agents, h.agentID)
	h.extractor.result = func(in content.Input, caps content.Capabilities) content.Result {
		assert.False(t, caps.Audio)
		return content.Result{Kind: in.Kind, Text: in.Text}
	}
	_, err := h.p.HandleInbound(context.Background(), textEvent("MSG1", "oi"))
	require.NoError(t, err)
	h.flushAll(t)
	require.Len(t, h.generator.inputs, 1)
	assert.True(t, h.generator.inputs[0].Agent.Prompt.IsEmpty())
}
