package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"time"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/mathazel/ZapIA/pkg/zapia/channels"
)

// keepAliveFailures is how many consecutive keep-alive misses are treated
// as a dead connection.
const keepAliveFailures = 3

// handleEvent is the whatsmeow event dispatcher for one session.
func (s *session) handleEvent(rawEvt interface{}) {
	if s.closed.Load() {
		return
	}

	switch evt := rawEvt.(type) {
	case *events.Message:
		s.handleMessageEvt(evt)

	case *events.PairSuccess:
		s.logger.Info("whatsapp: device paired",
			"jid", evt.ID,
			"platform", evt.Platform)
		if s.handlers.OnCredentials != nil {
			s.handlers.OnCredentials()
		}

	case *events.KeepAliveRestored:
		s.logger.Info("whatsapp: keep-alive restored")

	default:
		ce, ok := connectionEvent(rawEvt, time.Now())
		if !ok {
			return
		}
		s.logConnectionEvent(rawEvt, ce)
		if ce.State == channels.StateOpen {
			s.connected.Store(true)
		} else {
			s.connected.Store(false)
		}
		if s.handlers.OnConnection != nil {
			s.handlers.OnConnection(ce)
		}
	}
}

// connectionEvent maps a whatsmeow connection event to the transport-neutral
// form. Events that do not change the connection state report false.
func connectionEvent(rawEvt interface{}, now time.Time) (channels.ConnectionEvent, bool) {
	closed := func(reason, details string) (channels.ConnectionEvent, bool) {
		return channels.ConnectionEvent{
			State:     channels.StateClosed,
			Reason:    reason,
			Timestamp: now,
			Details:   details,
		}, true
	}

	switch evt := rawEvt.(type) {
	case *events.Connected:
		return channels.ConnectionEvent{State: channels.StateOpen, Timestamp: now}, true

	case *events.Disconnected:
		return closed(channels.ReasonConnectionLost, "")

	case *events.StreamReplaced:
		return closed(channels.ReasonReplaced, "another client connected with this session")

	case *events.LoggedOut:
		return closed(channels.ReasonLoggedOut, evt.Reason.String())

	case *events.TemporaryBan:
		return closed(channels.ReasonTemporaryBan, fmt.Sprintf("code %v, expires in %s", evt.Code, evt.Expire))

	case *events.ConnectFailure:
		if permanent := evt.PermanentDisconnectDescription(); permanent != "" {
			return closed(channels.ReasonLoggedOut, permanent)
		}
		return closed(channels.ReasonConnectFailure, fmt.Sprintf("%s %s", evt.Reason, evt.Message))

	case *events.KeepAliveTimeout:
		if evt.ErrorCount < keepAliveFailures {
			return channels.ConnectionEvent{}, false
		}
		return closed(channels.ReasonKeepAliveTimeout, fmt.Sprintf("%d consecutive failures", evt.ErrorCount))

	case *events.StreamError:
		return closed(channels.ReasonStreamError, evt.Code)
	}
	return channels.ConnectionEvent{}, false
}

func (s *session) logConnectionEvent(rawEvt interface{}, ce channels.ConnectionEvent) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		jid := ""
		if s.client != nil && s.client.Store.ID != nil {
			jid = s.client.Store.ID.String()
		}
		s.logger.Info("whatsapp: connected", "jid", jid)
	case *events.KeepAliveTimeout:
		s.logger.Error("whatsapp: keep-alive failed multiple times",
			"error_count", evt.ErrorCount,
			"last_success", evt.LastSuccess)
	case *events.TemporaryBan:
		s.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
	default:
		s.logger.Warn("whatsapp: connection closed", "reason", ce.Reason, "details", ce.Details)
	}
}

// handleMessageEvt converts and forwards an inbound message.
func (s *session) handleMessageEvt(evt *events.Message) {
	if s.handlers.OnMessage == nil {
		return
	}
	msg := toIncoming(evt, s.resolveLID)
	if msg == nil {
		return
	}
	s.handlers.OnMessage(msg)
}

// resolveLID maps a LID (linked identity) JID to its phone-number JID when
// the store knows it.
func (s *session) resolveLID(jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer || s.client == nil || s.client.Store == nil {
		return jid
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alt, err := s.client.Store.GetAltJID(ctx, jid)
	if err != nil || alt.IsEmpty() {
		return jid
	}
	return alt
}

// toIncoming builds the transport-neutral message. Status broadcasts yield
// nil. resolve may be nil.
func toIncoming(evt *events.Message, resolve func(types.JID) types.JID) *channels.IncomingMessage {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return nil
	}
	if resolve == nil {
		resolve = func(j types.JID) types.JID { return j }
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		From:      resolve(evt.Info.Sender).String(),
		FromName:  evt.Info.PushName,
		ChatID:    resolve(evt.Info.Chat).String(),
		IsGroup:   evt.Info.IsGroup,
		IsFromMe:  evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
	}
	extractMessageContent(evt.Message, msg)
	extractQuotedMessage(evt.Message, msg)
	return msg
}

// extractMessageContent extracts the text payload. Anything other than text,
// image captions and audio is reported as MessageOther with no content.
func extractMessageContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	msg.Type = channels.MessageOther
	if waMsg == nil {
		return
	}

	if waMsg.Conversation != nil {
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetConversation()
		return
	}

	if ext := waMsg.ExtendedTextMessage; ext != nil {
		msg.Type = channels.MessageText
		msg.Content = ext.GetText()
		return
	}

	if img := waMsg.ImageMessage; img != nil {
		msg.Type = channels.MessageImage
		msg.Content = img.GetCaption()
		return
	}

	if audio := waMsg.AudioMessage; audio != nil {
		msg.Type = channels.MessageAudio
		msg.Content = "[audio]"
		if audio.GetPTT() {
			msg.Content = "[voice note]"
		}
	}
}

// extractQuotedMessage records what the message replies to.
func extractQuotedMessage(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	if waMsg == nil {
		return
	}

	var ctxInfo *waE2E.ContextInfo
	switch {
	case waMsg.ExtendedTextMessage != nil:
		ctxInfo = waMsg.ExtendedTextMessage.GetContextInfo()
	case waMsg.ImageMessage != nil:
		ctxInfo = waMsg.ImageMessage.GetContextInfo()
	case waMsg.AudioMessage != nil:
		ctxInfo = waMsg.AudioMessage.GetContextInfo()
	}
	if ctxInfo == nil {
		return
	}

	msg.ReplyTo = ctxInfo.GetStanzaID()
	msg.QuotedParticipant = ctxInfo.GetParticipant()
}

// parseJID converts a string JID to types.JID.
// Accepts formats: "5511999999999" or "5511999999999@s.whatsapp.net"
// or group IDs like "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
