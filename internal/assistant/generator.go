package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/zapdesk/internal/businesshours"
	"github.com/wolfman30/zapdesk/internal/inbox"
	"github.com/wolfman30/zapdesk/internal/observability/metrics"
	"github.com/wolfman30/zapdesk/internal/tenant"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

// ErrNoReply means generation produced nothing worth sending.
var ErrNoReply = errors.New("assistant: no reply generated")

const defaultPersona = "# ROLE\nVocê é um atendente virtual de WhatsApp. Responda de forma breve, cordial e no idioma do cliente."

// Input is everything a reply depends on.
type Input struct {
	Agent    tenant.Agent
	Settings tenant.Settings
	Schedule businesshours.Schedule
	History  []inbox.Message
	Text     string
}

// Generator turns a flushed burst into a reply.
type Generator struct {
	llm         LLMClient
	maxTokens   int32
	temperature float32
	logger      *logging.Logger
	metrics     *metrics.PipelineMetrics
}

type GeneratorOption func(*Generator)

func WithMaxTokens(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.maxTokens = int32(n)
		}
	}
}

func WithTemperature(t float64) GeneratorOption {
	return func(g *Generator) { g.temperature = float32(t) }
}

func WithGeneratorMetrics(m *metrics.PipelineMetrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

func NewGenerator(llm LLMClient, logger *logging.Logger, opts ...GeneratorOption) *Generator {
	if llm == nil {
		panic("assistant: llm client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	g := &Generator{llm: llm, maxTokens: 512, temperature: 0.7, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Generate(ctx context.Context, in Input) (string, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return "", ErrNoReply
	}
	messages, err := BuildMessages(in.History, text)
	if err != nil {
		return "", err
	}
	req := Request{
		System:      SystemBlocks(in.Agent.Prompt, in.Settings, in.Schedule),
		Messages:    messages,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	}

	started := time.Now()
	resp, err := g.llm.Complete(ctx, req)
	if err != nil {
		g.metrics.ObserveGeneration("error", time.Since(started).Seconds())
		return "", fmt.Errorf("assistant: generate: %w", err)
	}
	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		g.metrics.ObserveGeneration("empty", time.Since(started).Seconds())
		return "", ErrNoReply
	}
	g.metrics.ObserveGeneration("ok", time.Since(started).Seconds())
	g.logger.Debug("reply generated",
		"provider", resp.Provider,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"history_turns", len(messages)-1,
	)
	return reply, nil
}

// SystemBlocks renders the persona and business facts as system instructions.
func SystemBlocks(prompt tenant.AgentPrompt, settings tenant.Settings, schedule businesshours.Schedule) []string {
	persona := prompt.Render()
	if persona == "" {
		persona = defaultPersona
	}
	blocks := []string{persona}
	if facts := BusinessFacts(settings, schedule); facts != "" {
		blocks = append(blocks, facts)
	}
	return blocks
}

// BusinessFacts lists the company facts the assistant may quote.
func BusinessFacts(settings tenant.Settings, schedule businesshours.Schedule) string {
	var lines []string
	add := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			lines = append(lines, "- "+label+": "+value)
		}
	}
	add("Endereço", settings.Address)
	add("Site", settings.Website)
	add("Instagram", settings.Instagram)
	add("Horário de atendimento", schedule.Describe())
	if len(lines) == 0 {
		return ""
	}
	return "# INFORMAÇÕES DA EMPRESA\n" + strings.Join(lines, "\n")
}

// BuildMessages maps stored history to chat turns and appends the flushed
// text as the final user turn. Trailing contact messages are the fragments
// being answered and are already part of text, so they are dropped.
func BuildMessages(history []inbox.Message, text string) ([]ChatMessage, error) {
	turns := make([]ChatMessage, 0, len(history)+1)
	for _, msg := range history {
		var role string
		switch msg.Sender {
		case inbox.SenderUser:
			role = RoleUser
		case inbox.SenderAI, inbox.SenderOperator:
			role = RoleAssistant
		case inbox.SenderSystem:
			continue
		default:
			return nil, fmt.Errorf("assistant: unknown sender %s", msg.Sender)
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		turns = append(turns, ChatMessage{Role: role, Content: strings.TrimSpace(msg.Content)})
	}
	for len(turns) > 0 && turns[len(turns)-1].Role == RoleUser {
		turns = turns[:len(turns)-1]
	}
	for len(turns) > 0 && turns[0].Role == RoleAssistant {
		turns = turns[1:]
	}
	turns = append(turns, ChatMessage{Role: RoleUser, Content: text})

	merged := turns[:0]
	for _, turn := range turns {
		if n := len(merged); n > 0 && merged[n-1].Role == turn.Role {
			merged[n-1].Content += "\n" + turn.Content
			continue
		}
		merged = append(merged, turn)
	}
	return merged, nil
}
