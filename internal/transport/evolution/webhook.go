package evolution

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/spigell/wa-interviewer/internal/phone"
	"github.com/spigell/wa-interviewer/internal/transport"
)

const (
	eventMessagesUpsert = "messages.upsert"
	userServer          = "@s.whatsapp.net"
	legacyUserServer    = "@c.us"
)

// ErrIgnored marks deliveries that carry nothing for the interview core
// (own messages, groups, status broadcasts, other events, unsupported content).
var ErrIgnored = errors.New("webhook event ignored")

// Event is a decoded webhook delivery. Tenant and slot are resolved by the
// caller from Instance.
type Event struct {
	Instance string
	Message  transport.Message
}

type webhook struct {
	Event    string         `mapstructure:"event"`
	Instance string         `mapstructure:"instance"`
	Data     map[string]any `mapstructure:"data"`
}

type messageData struct {
	Key struct {
		RemoteJID string `mapstructure:"remoteJid"`
		FromMe    bool   `mapstructure:"fromMe"`
		ID        string `mapstructure:"id"`
	} `mapstructure:"key"`
	PushName         string          `mapstructure:"pushName"`
	MessageType      string          `mapstructure:"messageType"`
	MessageTimestamp int64           `mapstructure:"messageTimestamp"`
	Message          *messageContent `mapstructure:"message"`
}

type audioMessage struct {
	URL      string `mapstructure:"url"`
	MimeType string `mapstructure:"mimetype"`
	Seconds  int    `mapstructure:"seconds"`
	PTT      bool   `mapstructure:"ptt"`
}

type wrapped struct {
	Message *messageContent `mapstructure:"message"`
}

// messageContent mirrors the subset of the WhatsApp message proto that the
// interview cares about. Envelopes nest another messageContent.
type messageContent struct {
	Conversation        string `mapstructure:"conversation"`
	ExtendedTextMessage *struct {
		Text string `mapstructure:"text"`
	} `mapstructure:"extendedTextMessage"`
	ButtonsResponseMessage *struct {
		SelectedButtonID    string `mapstructure:"selectedButtonId"`
		SelectedDisplayText string `mapstructure:"selectedDisplayText"`
	} `mapstructure:"buttonsResponseMessage"`
	AudioMessage *audioMessage `mapstructure:"audioMessage"`

	ViewOnceMessage   *wrapped `mapstructure:"viewOnceMessage"`
	ViewOnceMessageV2 *wrapped `mapstructure:"viewOnceMessageV2"`
	EphemeralMessage  *wrapped `mapstructure:"ephemeralMessage"`
}

// Decode turns a raw webhook body into a normalized inbound message.
func Decode(body []byte, countryCode string) (*Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse webhook body: %w", err)
	}

	var hook webhook
	if err := decodeMap(raw, &hook); err != nil {
		return nil, fmt.Errorf("decode webhook envelope: %w", err)
	}

	if normalizeEvent(hook.Event) != eventMessagesUpsert {
		return nil, fmt.Errorf("%w: event %q", ErrIgnored, hook.Event)
	}

	var data messageData
	if err := decodeMap(hook.Data, &data); err != nil {
		return nil, fmt.Errorf("decode message data: %w", err)
	}

	if data.Key.FromMe {
		return nil, fmt.Errorf("%w: own message", ErrIgnored)
	}

	jid := data.Key.RemoteJID
	if !strings.HasSuffix(jid, userServer) && !strings.HasSuffix(jid, legacyUserServer) {
		return nil, fmt.Errorf("%w: non-user chat %q", ErrIgnored, jid)
	}

	if strings.TrimSpace(data.Key.ID) == "" {
		return nil, errors.New("message id is missing")
	}

	from, err := phone.Normalize(jid, countryCode)
	if err != nil {
		return nil, err
	}

	msg := transport.Message{
		ID:         data.Key.ID,
		From:       from,
		PushName:   strings.TrimSpace(data.PushName),
		ReceivedAt: time.Now().UTC(),
	}
	if data.MessageTimestamp > 0 {
		msg.ReceivedAt = time.Unix(data.MessageTimestamp, 0).UTC()
	}

	if !classify(data.Message, data.Key.ID, false, &msg) {
		return nil, fmt.Errorf("%w: unsupported content %q", ErrIgnored, data.MessageType)
	}

	return &Event{Instance: hook.Instance, Message: msg}, nil
}

// classify fills the tagged payload, descending through envelopes.
func classify(content *messageContent, keyID string, viewOnce bool, msg *transport.Message) bool {
	if content == nil {
		return false
	}

	switch {
	case content.AudioMessage != nil:
		msg.Kind = transport.KindAudio
		msg.Media = &transport.MediaRef{
			MessageKeyID: keyID,
			URL:          content.AudioMessage.URL,
			MimeType:     content.AudioMessage.MimeType,
			Seconds:      content.AudioMessage.Seconds,
			ViewOnce:     viewOnce,
		}
		return true
	case content.Conversation != "":
		msg.Kind = transport.KindText
		msg.Text = strings.TrimSpace(content.Conversation)
		return true
	case content.ExtendedTextMessage != nil:
		msg.Kind = transport.KindText
		msg.Text = strings.TrimSpace(content.ExtendedTextMessage.Text)
		return true
	case content.ButtonsResponseMessage != nil:
		msg.Kind = transport.KindText
		msg.Text = strings.TrimSpace(content.ButtonsResponseMessage.SelectedButtonID)
		if msg.Text == "" {
			msg.Text = strings.TrimSpace(content.ButtonsResponseMessage.SelectedDisplayText)
		}
		return true
	case content.ViewOnceMessage != nil:
		return classify(content.ViewOnceMessage.Message, keyID, true, msg)
	case content.ViewOnceMessageV2 != nil:
		return classify(content.ViewOnceMessageV2.Message, keyID, true, msg)
	case content.EphemeralMessage != nil:
		return classify(content.EphemeralMessage.Message, keyID, viewOnce, msg)
	default:
		return false
	}
}

func normalizeEvent(event string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(event), "_", "."))
}

func decodeMap(input any, target any) error {
	cfg := &mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
