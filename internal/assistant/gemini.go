package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/wolfman30/zapdesk/internal/content"
)

const (
	transcribePrompt = "Transcreva este áudio exatamente como foi falado, no idioma original. Responda apenas com a transcrição."
	describePrompt   = "Descreva esta imagem de forma objetiva para um atendente, incluindo qualquer texto visível. Responda apenas com a descrição."
)

// GeminiClient implements LLMClient, content.Transcriber and content.Describer.
type GeminiClient struct {
	client  *genai.Client
	modelID string
}

func NewGeminiClient(ctx context.Context, apiKey, modelID string) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("assistant: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("assistant: failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client, modelID: modelID}, nil
}

func (c *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := c.client.GenerativeModel(c.modelID)
	if req.Temperature >= 0 {
		model.SetTemperature(req.Temperature)
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(req.MaxTokens)
	}
	if systemText := strings.TrimSpace(strings.Join(req.System, "\n\n")); systemText != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(systemText))
	}

	history, last, err := geminiHistory(req.Messages)
	if err != nil {
		return Response{}, err
	}
	cs := model.StartChat()
	cs.History = history
	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return Response{}, fmt.Errorf("assistant: gemini completion failed: %w", err)
	}
	out, err := geminiResponse(resp)
	if err != nil {
		return Response{}, err
	}
	out.Provider = "gemini"
	return out, nil
}

func (c *GeminiClient) Transcribe(ctx context.Context, media content.Media) (string, error) {
	return c.interpret(ctx, media, "audio/ogg", transcribePrompt)
}

func (c *GeminiClient) Describe(ctx context.Context, media content.Media) (string, error) {
	return c.interpret(ctx, media, "image/jpeg", describePrompt)
}

func (c *GeminiClient) interpret(ctx context.Context, media content.Media, defaultMime, prompt string) (string, error) {
	mimeType := media.MimeType
	if mimeType == "" {
		mimeType = defaultMime
	}
	model := c.client.GenerativeModel(c.modelID)
	resp, err := model.GenerateContent(ctx, genai.Blob{MIMEType: mimeType, Data: media.Data}, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("assistant: gemini media request failed: %w", err)
	}
	out, err := geminiResponse(resp)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// Close releases resources held by the Gemini client.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// geminiHistory splits messages into chat history and the final user turn.
func geminiHistory(msgs []ChatMessage) ([]*genai.Content, string, error) {
	if len(msgs) == 0 {
		return nil, "", errors.New("assistant: gemini requires at least one message")
	}
	last := msgs[len(msgs)-1]
	if last.Role != RoleUser {
		return nil, "", errors.New("assistant: last message must come from the user")
	}
	history := make([]*genai.Content, 0, len(msgs)-1)
	for _, msg := range msgs[:len(msgs)-1] {
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(text)}})
	}
	return history, last.Content, nil
}

func geminiResponse(resp *genai.GenerateContentResponse) (Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return Response{}, errors.New("assistant: gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return Response{}, errors.New("assistant: gemini returned empty content")
	}
	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	out := Response{
		Text:       strings.TrimSpace(b.String()),
		StopReason: candidate.FinishReason.String(),
	}
	if resp.UsageMetadata != nil {
		out.Usage = TokenUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}
