package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/zapdesk/internal/assistant"
	"github.com/wolfman30/zapdesk/internal/content"
	"github.com/wolfman30/zapdesk/internal/debounce"
	"github.com/wolfman30/zapdesk/internal/inbox"
	"github.com/wolfman30/zapdesk/internal/notify"
	"github.com/wolfman30/zapdesk/internal/tenant"
)

// memInbox is an in-memory conversation store with the same buffer and
// ownership semantics as the Postgres store.
type memInbox struct {
	mu            sync.Mutex
	contacts      map[string]inbox.Contact
	conversations map[uuid.UUID]*inbox.Conversation
	byKey         map[string]uuid.UUID
	messages      []inbox.Message
	appendErr     error
	// afterGenerate flips ownership the next time GetConversation is called
	// after it is armed.
	takeoverOnGet int
}

func newMemInbox() *memInbox {
	return &memInbox{
		contacts:      map[string]inbox.Contact{},
		conversations: map[uuid.UUID]*inbox.Conversation{},
		byKey:         map[string]uuid.UUID{},
	}
}

func (m *memInbox) UpsertContact(_ context.Context, companyID uuid.UUID, phone, name string) (inbox.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := companyID.String() + phone
	c, ok := m.contacts[key]
	if !ok {
		c = inbox.Contact{ID: uuid.New(), CompanyID: companyID, Phone: phone}
	}
	if name != "" {
		c.Name = name
	}
	m.contacts[key] = c
	return c, nil
}

func (m *memInbox) UpsertConversation(_ context.Context, companyID, contactID, channelID uuid.UUID, forceHuman bool) (inbox.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := contactID.String() + channelID.String()
	id, ok := m.byKey[key]
	if !ok {
		id = uuid.New()
		m.byKey[key] = id
		m.conversations[id] = &inbox.Conversation{ID: id, CompanyID: companyID, ContactID: contactID, ChannelID: channelID}
	}
	conv := m.conversations[id]
	if forceHuman {
		conv.HumanActive = true
	}
	return *conv, nil
}

func (m *memInbox) GetConversation(_ context.Context, id uuid.UUID) (inbox.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return inbox.Conversation{}, inbox.ErrConversationNotFound
	}
	if m.takeoverOnGet > 0 {
		m.takeoverOnGet--
		if m.takeoverOnGet == 0 {
			conv.HumanActive = true
		}
	}
	return *conv, nil
}

func (m *memInbox) SetHumanActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return inbox.ErrConversationNotFound
	}
	conv.HumanActive = active
	return nil
}

func (m *memInbox) AppendToBuffer(_ context.Context, id uuid.UUID, text string, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return 0, inbox.ErrConversationNotFound
	}
	conv.TempBuffer = inbox.JoinFragments(conv.TempBuffer, text)
	conv.DebounceSeq++
	return conv.DebounceSeq, nil
}

func (m *memInbox) ClearBufferIfTokenMatches(_ context.Context, id uuid.UUID, token int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok || conv.DebounceSeq != token {
		return "", inbox.ErrStaleToken
	}
	text := conv.TempBuffer
	conv.TempBuffer = ""
	return text, nil
}

func (m *memInbox) AppendMessage(_ context.Context, convID, companyID uuid.UUID, sender inbox.Sender, text string) (inbox.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return inbox.Message{}, m.appendErr
	}
	msg := inbox.Message{ID: uuid.New(), ConversationID: convID, CompanyID: companyID, Sender: sender, Content: text, Timestamp: time.Now()}
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *memInbox) RecentMessages(_ context.Context, convID uuid.UUID, limit int) ([]inbox.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []inbox.Message
	for _, msg := range m.messages {
		if msg.ConversationID == convID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memInbox) rows(sender inbox.Sender) []inbox.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []inbox.Message
	for _, msg := range m.messages {
		if msg.Sender == sender {
			out = append(out, msg)
		}
	}
	return out
}

func (m *memInbox) only() *inbox.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conversations {
		return c
	}
	return nil
}

type memClaims struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func newMemClaims() *memClaims { return &memClaims{keys: map[string]bool{}} }

func (c *memClaims) AlreadyProcessed(_ context.Context, provider, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[provider+"/"+id], c.err
}

func (c *memClaims) MarkProcessed(_ context.Context, provider, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	k := provider + "/" + id
	if c.keys[k] {
		return false, nil
	}
	c.keys[k] = true
	return true, nil
}

func (c *memClaims) Release(_ context.Context, provider, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, provider+"/"+id)
	return nil
}

func (c *memClaims) has(provider, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[provider+"/"+id]
}

type stubDirectory struct {
	channels map[string]tenant.Channel
	agents   map[uuid.UUID]tenant.Agent
	settings tenant.Settings
}

func (d *stubDirectory) ChannelByName(_ context.Context, name string) (tenant.Channel, error) {
	ch, ok := d.channels[name]
	if !ok {
		return tenant.Channel{}, tenant.ErrChannelNotFound
	}
	return ch, nil
}

func (d *stubDirectory) Agent(_ context.Context, id uuid.UUID) (tenant.Agent, error) {
	a, ok := d.agents[id]
	if !ok {
		return tenant.Agent{}, tenant.ErrAgentNotFound
	}
	return a, nil
}

func (d *stubDirectory) Settings(_ context.Context, companyID uuid.UUID) (tenant.Settings, error) {
	s := d.settings
	s.CompanyID = companyID
	return s, nil
}

type stubExtractor struct {
	calls  int
	result func(content.Input, content.Capabilities) content.Result
}

func (s *stubExtractor) Extract(_ context.Context, in content.Input, caps content.Capabilities) content.Result {
	s.calls++
	if s.result != nil {
		return s.result(in, caps)
	}
	return content.Result{Kind: in.Kind, Text: in.Text}
}

type stubGenerator struct {
	mu     sync.Mutex
	inputs []assistant.Input
	reply  string
	err    error
}

func (g *stubGenerator) Generate(_ context.Context, in assistant.Input) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = append(g.inputs, in)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

type sentText struct {
	Instance, Token, Number, Text string
}

type stubGateway struct {
	mu   sync.Mutex
	sent []sentText
	err  error
	seq  int
	noID bool
}

func (g *stubGateway) SendText(_ context.Context, instance, token, number, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.seq++
	g.sent = append(g.sent, sentText{instance, token, number, text})
	if g.noID {
		return "", nil
	}
	return "BAE5" + string(rune('A'+g.seq)), nil
}

func (g *stubGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type recordingAlerter struct {
	failures []notify.DispatchFailure
}

func (a *recordingAlerter) NotifyDispatchFailure(_ context.Context, f notify.DispatchFailure) error {
	a.failures = append(a.failures, f)
	return nil
}

type recordingScheduler struct {
	mu   sync.Mutex
	jobs []debounce.FlushJob
	// failures is how many upcoming calls fail.
	failures int
}

func (s *recordingScheduler) Schedule(_ context.Context, job debounce.FlushJob, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errQueueDown
	}
	s.jobs = append(s.jobs, job)
	return nil
}

var (
	errBoom      = errors.New("boom")
	errQueueDown = errors.New("sqs: service unavailable")
)
