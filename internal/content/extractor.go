// Package content turns inbound WhatsApp messages of any supported kind into
// the plain text the assistant answers.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/zapdesk/internal/observability/metrics"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

// Kind is the normalized message type.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindAudio
	KindImage
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "TEXT"
	case KindAudio:
		return "AUDIO"
	case KindImage:
		return "IMAGE"
	case KindUnsupported:
		return "UNSUPPORTED"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

const (
	AudioTag = "[Áudio]"
	ImageTag = "[Imagem]"
)

// Media is a downloaded attachment.
type Media struct {
	Data     []byte
	MimeType string
}

type MediaFetcher interface {
	FetchMedia(ctx context.Context, channelName, messageID string) (Media, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, media Media) (string, error)
}

type Describer interface {
	Describe(ctx context.Context, media Media) (string, error)
}

// Archiver keeps a copy of downloaded media. Failures never block extraction.
type Archiver interface {
	Archive(ctx context.Context, channelName, messageID string, media Media) error
}

// Capabilities are the per-agent media switches.
type Capabilities struct {
	Audio bool
	Image bool
}

// Input is the part of an inbound event the extractor needs.
type Input struct {
	Kind        Kind
	Text        string
	Caption     string
	ChannelName string
	MessageID   string
}

// Result is either extracted text or a fallback marker.
type Result struct {
	Kind     Kind
	Text     string
	Fallback bool
	Reason   string
}

func fallback(kind Kind, reason string) Result {
	return Result{Kind: kind, Fallback: true, Reason: reason}
}

// Extractor implements the text/audio/image decision table.
type Extractor struct {
	fetcher     MediaFetcher
	transcriber Transcriber
	describer   Describer
	archive     Archiver
	logger      *logging.Logger
	metrics     *metrics.PipelineMetrics
}

type Option func(*Extractor)

func WithArchiver(a Archiver) Option {
	return func(e *Extractor) { e.archive = a }
}

func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

func NewExtractor(fetcher MediaFetcher, transcriber Transcriber, describer Describer, logger *logging.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = logging.Default()
	}
	e := &Extractor{
		fetcher:     fetcher,
		transcriber: transcriber,
		describer:   describer,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract never fails: anything that cannot be turned into text comes back
// as a fallback result.
func (e *Extractor) Extract(ctx context.Context, in Input, caps Capabilities) Result {
	res := e.extract(ctx, in, caps)
	outcome := "ok"
	if res.Fallback {
		outcome = "fallback_" + res.Reason
		e.logger.Info("content extraction fell back",
			"kind", in.Kind.String(),
			"reason", res.Reason,
			"message_id", in.MessageID,
		)
	}
	e.metrics.ObserveExtraction(in.Kind.String(), outcome)
	return res
}

func (e *Extractor) extract(ctx context.Context, in Input, caps Capabilities) Result {
	switch in.Kind {
	case KindText:
		if strings.TrimSpace(in.Text) == "" {
			return fallback(in.Kind, "empty")
		}
		return Result{Kind: KindText, Text: in.Text}
	case KindAudio:
		if !caps.Audio || e.transcriber == nil {
			return fallback(in.Kind, "disabled")
		}
		media, err := e.fetch(ctx, in)
		if err != nil {
			return fallback(in.Kind, "fetch")
		}
		transcript, err := e.transcriber.Transcribe(ctx, media)
		if err != nil {
			e.logger.Warn("audio transcription failed", "message_id", in.MessageID, "error", err)
			return fallback(in.Kind, "capability")
		}
		if transcript = strings.TrimSpace(transcript); transcript == "" {
			return fallback(in.Kind, "empty")
		}
		return Result{Kind: KindAudio, Text: AudioTag + ": " + transcript}
	case KindImage:
		if !caps.Image || e.describer == nil {
			return fallback(in.Kind, "disabled")
		}
		media, err := e.fetch(ctx, in)
		if err != nil {
			return fallback(in.Kind, "fetch")
		}
		description, err := e.describer.Describe(ctx, media)
		if err != nil {
			e.logger.Warn("image description failed", "message_id", in.MessageID, "error", err)
			return fallback(in.Kind, "capability")
		}
		if description = strings.TrimSpace(description); description == "" {
			return fallback(in.Kind, "empty")
		}
		text := ImageTag + ": " + description
		if caption := strings.TrimSpace(in.Caption); caption != "" {
			text += " | Legenda: " + caption
		}
		return Result{Kind: KindImage, Text: text}
	default:
		return fallback(KindUnsupported, "unsupported")
	}
}

func (e *Extractor) fetch(ctx context.Context, in Input) (Media, error) {
	if e.fetcher == nil {
		return Media{}, errors.New("content: no media fetcher")
	}
	media, err := e.fetcher.FetchMedia(ctx, in.ChannelName, in.MessageID)
	if err != nil {
		e.logger.Warn("media fetch failed", "message_id", in.MessageID, "channel", in.ChannelName, "error", err)
		return Media{}, err
	}
	if len(media.Data) == 0 {
		return Media{}, errors.New("content: empty media")
	}
	if e.archive != nil {
		if err := e.archive.Archive(ctx, in.ChannelName, in.MessageID, media); err != nil {
			e.logger.Warn("media archive failed", "message_id", in.MessageID, "error", err)
		}
	}
	return media, nil
}

// Placeholder renders a message for persistence without interpreting media,
// used when the AI is not going to answer it anyway.
func Placeholder(in Input) string {
	switch in.Kind {
	case KindText:
		return in.Text
	case KindAudio:
		return AudioTag
	case KindImage:
		if caption := strings.TrimSpace(in.Caption); caption != "" {
			return ImageTag + ": " + caption
		}
		return ImageTag
	default:
		return "[Mensagem não suportada]"
	}
}
