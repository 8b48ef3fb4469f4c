package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/zapdesk/internal/content"
)

type evolutionPayload struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type evolutionMessage struct {
	Key struct {
		ID        string `json:"id"`
		FromMe    bool   `json:"fromMe"`
		RemoteJID string `json:"remoteJid"`
	} `json:"key"`
	PushName         string        `json:"pushName"`
	MessageType      string        `json:"messageType"`
	Message          *messageBody  `json:"message"`
	MessageTimestamp flexTimestamp `json:"messageTimestamp"`
}

type messageBody struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage *struct {
		Caption string `json:"caption"`
	} `json:"imageMessage"`
	AudioMessage json.RawMessage `json:"audioMessage"`
}

// flexTimestamp accepts unix seconds as a JSON number or string.
type flexTimestamp int64

func (t *flexTimestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid messageTimestamp %q", s)
	}
	*t = flexTimestamp(v)
	return nil
}

// Parse maps an Evolution messages.upsert payload to an InboundEvent.
func Parse(body []byte) (InboundEvent, error) {
	var payload evolutionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !isMessageUpsert(payload.Event) {
		return InboundEvent{}, fmt.Errorf("%w: event %q", ErrIgnored, payload.Event)
	}
	if len(payload.Data) == 0 || string(payload.Data) == "null" {
		return InboundEvent{}, fmt.Errorf("%w: empty data", ErrIgnored)
	}

	var data evolutionMessage
	if err := json.Unmarshal(payload.Data, &data); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	jid := strings.TrimSpace(data.Key.RemoteJID)
	if isGroupOrBroadcast(jid) {
		return InboundEvent{}, fmt.Errorf("%w: jid %q", ErrIgnored, jid)
	}

	evt := InboundEvent{
		ChannelName: strings.TrimSpace(payload.Instance),
		MessageID:   strings.TrimSpace(data.Key.ID),
		Phone:       PhoneFromJID(jid),
		PushName:    strings.TrimSpace(data.PushName),
		FromMe:      data.Key.FromMe,
	}
	if evt.ChannelName == "" || evt.MessageID == "" || evt.Phone == "" {
		return InboundEvent{}, fmt.Errorf("%w: missing instance, message id or sender", ErrMalformed)
	}
	if data.MessageTimestamp > 0 {
		evt.ReceivedAt = time.Unix(int64(data.MessageTimestamp), 0).UTC()
	} else {
		evt.ReceivedAt = time.Now().UTC()
	}

	evt.Kind, evt.Text, evt.Caption = classify(data.MessageType, data.Message)
	return evt, nil
}

func isMessageUpsert(event string) bool {
	switch strings.TrimSpace(event) {
	case "messages.upsert", "MESSAGES_UPSERT":
		return true
	default:
		return false
	}
}

func isGroupOrBroadcast(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") ||
		strings.HasSuffix(jid, "@broadcast") ||
		strings.HasSuffix(jid, "@newsletter")
}

// PhoneFromJID returns the digits of the JID user part.
func PhoneFromJID(jid string) string {
	user := jid
	if i := strings.Index(user, "@"); i >= 0 {
		user = user[:i]
	}
	// multi-device suffix, e.g. 5511999999999:12
	if i := strings.Index(user, ":"); i >= 0 {
		user = user[:i]
	}
	var b strings.Builder
	for _, r := range user {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// classify picks the message kind. Text bodies win over the declared type.
func classify(messageType string, msg *messageBody) (content.Kind, string, string) {
	if msg != nil {
		if strings.TrimSpace(msg.Conversation) != "" {
			return content.KindText, msg.Conversation, ""
		}
		if msg.ExtendedTextMessage != nil && strings.TrimSpace(msg.ExtendedTextMessage.Text) != "" {
			return content.KindText, msg.ExtendedTextMessage.Text, ""
		}
	}

	switch messageType {
	case "conversation", "extendedTextMessage":
		return content.KindText, "", ""
	case "audioMessage":
		return content.KindAudio, "", ""
	case "imageMessage":
		caption := ""
		if msg != nil && msg.ImageMessage != nil {
			caption = strings.TrimSpace(msg.ImageMessage.Caption)
		}
		return content.KindImage, "", caption
	}

	if msg != nil {
		if len(msg.AudioMessage) > 0 && string(msg.AudioMessage) != "null" {
			return content.KindAudio, "", ""
		}
		if msg.ImageMessage != nil {
			return content.KindImage, "", strings.TrimSpace(msg.ImageMessage.Caption)
		}
	}
	return content.KindUnsupported, "", ""
}
