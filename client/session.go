package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/reconcile"
	"github.com/mahaj/dupahar-chat/pkg/typing"
)

// sender writes one event to the gateway.
type sender func(t model.EventType, payload any) error

// chatSession is the client side of one open conversation: the reconciled
// message list, the typing debouncer and the terminal rendering.
type chatSession struct {
	self           string
	peer           string
	conversationID string

	buffer *reconcile.Buffer
	seen   *lru.Cache
	typing *typing.Debouncer
	send   sender
	out    io.Writer
	logger *zap.Logger
	now    func() time.Time

	outMu sync.Mutex
}

func newChatSession(self, peer, conversationID string, send sender, out io.Writer, logger *zap.Logger) (*chatSession, error) {
	seen, err := lru.New(1024)
	if err != nil {
		return nil, err
	}
	s := &chatSession{
		self:           self,
		peer:           peer,
		conversationID: conversationID,
		buffer:         reconcile.New(),
		seen:           seen,
		send:           send,
		out:            out,
		logger:         logger,
		now:            time.Now,
	}
	s.typing = typing.NewDebouncer(typing.QuietWindow, s.emitTyping)
	return s, nil
}

func (s *chatSession) emitTyping(on bool) {
	t := model.TypeTypingStop
	if on {
		t = model.TypeTypingStart
	}
	if err := s.send(t, model.TypingPayload{ConversationID: s.conversationID, ReceiverID: s.peer}); err != nil {
		s.logger.Warn("send typing", zap.Error(err))
	}
}

func (s *chatSession) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, "\r"+format+"\n> ", args...)
}

// loadHistory merges a history page, renders what was not shown yet and
// marks unread incoming messages read. It runs again after every
// reconnect, so a page overlapping the buffer must be harmless.
func (s *chatSession) loadHistory(msgs []model.Message) {
	shown := make(map[string]bool)
	for _, e := range s.buffer.Entries(s.conversationID) {
		if e.CorrelationID != "" {
			shown[e.CorrelationID] = true
		}
	}
	s.buffer.MergeAll(msgs)

	var unread []string
	for _, e := range s.buffer.Entries(s.conversationID) {
		if e.ServerID == "" {
			continue
		}
		dup, _ := s.seen.ContainsOrAdd(e.ServerID, struct{}{})
		if !dup && !(e.CorrelationID != "" && shown[e.CorrelationID]) {
			s.render(e)
		}
		if e.ReceiverID == s.self && e.Status != model.StatusRead {
			unread = append(unread, e.ServerID)
		}
	}
	s.markRead(unread)
}

// Resync runs after the gateway connection was re-established. Sends still
// unconfirmed at that point were lost with the old connection unless the
// history page reconciled them, so they become retryable.
func (s *chatSession) Resync(msgs []model.Message) {
	s.loadHistory(msgs)
	for _, e := range s.buffer.Entries(s.conversationID) {
		if e.ServerID != "" || e.Failed() {
			continue
		}
		if s.buffer.MarkFailed(e.CorrelationID, "connection lost") {
			s.printf("! not confirmed before the connection dropped, /retry %s", e.CorrelationID)
		}
	}
}

// Keystroke feeds the typing debouncer.
func (s *chatSession) Keystroke() {
	s.typing.Input()
}

// Say renders a provisional entry and sends it.
func (s *chatSession) Say(text string) error {
	s.typing.Stop()
	e := s.buffer.AddProvisional(s.conversationID, s.self, s.peer, text, "", "", s.now().UTC())
	s.render(e)
	return s.submit(e)
}

// Retry resends a failed entry under its original correlation id.
func (s *chatSession) Retry(correlationID string) error {
	e, ok := s.buffer.Resubmit(correlationID)
	if !ok {
		return fmt.Errorf("no failed message %s", correlationID)
	}
	return s.submit(e)
}

func (s *chatSession) submit(e reconcile.Entry) error {
	err := s.send(model.TypeSend, model.SendPayload{
		ConversationID:      e.ConversationID,
		ReceiverID:          e.ReceiverID,
		Text:                e.Text,
		MediaRef:            e.MediaRef,
		MediaType:           e.MediaType,
		ClientCorrelationID: e.CorrelationID,
	})
	if err != nil {
		s.buffer.MarkFailed(e.CorrelationID, err.Error())
		return fmt.Errorf("not sent, /retry %s: %w", e.CorrelationID, err)
	}
	return nil
}

func (s *chatSession) markRead(ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := s.send(model.TypeMarkRead, model.MarkReadPayload{ConversationID: s.conversationID, MessageIDs: ids}); err != nil {
		// Left unread so the history reload after a reconnect retries it.
		s.logger.Warn("send mark-read", zap.Error(err))
		return
	}
	s.buffer.ApplyStatus(s.conversationID, ids, model.StatusRead, s.now().UTC())
}

// Handle applies one event from the gateway.
func (s *chatSession) Handle(env model.Envelope) error {
	switch env.Type {
	case model.TypeReceived, model.TypeSendConfirmed:
		var p model.MessagePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		s.onMessage(p.Message)

	case model.TypeSendFailed:
		var p model.SendFailedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if s.buffer.MarkFailed(p.ClientCorrelationID, p.Reason) {
			s.printf("! not sent (%s), /retry %s", p.Reason, p.ClientCorrelationID)
		}

	case model.TypeReadReceipt:
		var p model.ReadReceipt
		if err := env.Decode(&p); err != nil {
			return err
		}
		if n := s.buffer.ApplyStatus(p.ConversationID, p.MessageIDs, model.StatusRead, s.now().UTC()); n > 0 && p.ConversationID == s.conversationID {
			s.printf("  %s read %d message(s)", s.peer, n)
		}

	case model.TypeTyping:
		var p model.TypingNotice
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.ConversationID == s.conversationID && p.IsTyping {
			s.printf("  %s is typing...", p.UserID)
		}

	case model.TypePresence:
		var p model.PresenceNotice
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.UserID == s.peer {
			state := "offline"
			if p.Online {
				state = "online"
			}
			s.printf("  %s is %s", p.UserID, state)
		}

	case model.TypeError:
		var p model.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		s.printf("! %s: %s", p.Code, p.Reason)

	default:
		s.logger.Debug("ignoring event", zap.String("type", string(env.Type)))
	}
	return nil
}

func (s *chatSession) onMessage(m model.Message) {
	if m.ConversationID != s.conversationID {
		s.logger.Debug("message for another conversation", zap.String("conversation_id", m.ConversationID))
		return
	}
	e, _ := s.buffer.Merge(m)

	// A redelivered record merges into the existing entry; only show it once.
	if dup, _ := s.seen.ContainsOrAdd(m.ID, struct{}{}); dup {
		return
	}
	if m.SenderID != s.self {
		s.render(e)
		s.markRead([]string{m.ID})
	}
}

func (s *chatSession) render(e reconcile.Entry) {
	body := e.Text
	if e.MediaRef != "" {
		body = strings.TrimSpace(fmt.Sprintf("%s [%s %s]", body, e.MediaType, e.MediaRef))
	}
	s.printf("%s %s: %s", e.CreatedAt.Local().Format("15:04"), e.SenderID, body)
}
