// Package transporttest provides an in-memory transport.Slot for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spigell/wa-interviewer/internal/transport"
)

var ErrSendFailed = errors.New("fake send failed")

// Sent is one outbound message captured by a Slot.
type Sent struct {
	Slot   string
	To     string
	Text   string
	Voice  []byte
	SentAt time.Time
}

// Slot records every send. Failures can be scripted per recipient.
type Slot struct {
	tenant string
	index  int
	handle string

	mu        sync.Mutex
	connected bool
	sent      []Sent
	failures  map[string]int
	failAll   bool
	media     map[string][]byte
	mediaErr  error
	onSend    func(Sent)
}

func NewSlot(tenant string, index int) *Slot {
	return &Slot{
		tenant:    tenant,
		index:     index,
		handle:    fmt.Sprintf("%s_slot_%d", tenant, index),
		connected: true,
		failures:  make(map[string]int),
		media:     make(map[string][]byte),
	}
}

func (s *Slot) TenantID() string { return s.tenant }
func (s *Slot) Index() int       { return s.index }
func (s *Slot) Handle() string   { return s.handle }

func (s *Slot) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// FailNext makes the next n sends to phone fail.
func (s *Slot) FailNext(phone string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[phone] = n
}

// FailAll makes every send fail until reset.
func (s *Slot) FailAll(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}

// OnSend registers a hook invoked after every successful send.
func (s *Slot) OnSend(fn func(Sent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSend = fn
}

// SetMedia stores the payload returned for a media message id.
func (s *Slot) SetMedia(messageKeyID string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[messageKeyID] = payload
}

func (s *Slot) SetMediaError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mediaErr = err
}

func (s *Slot) SendText(_ context.Context, to, text string) error {
	return s.record(Sent{Slot: s.handle, To: to, Text: text})
}

func (s *Slot) SendVoice(_ context.Context, to string, audio []byte) error {
	return s.record(Sent{Slot: s.handle, To: to, Voice: audio})
}

func (s *Slot) record(msg Sent) error {
	s.mu.Lock()
	if s.failAll {
		s.mu.Unlock()
		return ErrSendFailed
	}
	if n := s.failures[msg.To]; n > 0 {
		s.failures[msg.To] = n - 1
		s.mu.Unlock()
		return ErrSendFailed
	}
	msg.SentAt = time.Now()
	s.sent = append(s.sent, msg)
	hook := s.onSend
	s.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

func (s *Slot) DownloadMedia(_ context.Context, ref *transport.MediaRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mediaErr != nil {
		return nil, s.mediaErr
	}
	if ref == nil {
		return nil, errors.New("media reference is required")
	}
	payload, ok := s.media[ref.MessageKeyID]
	if !ok {
		return nil, fmt.Errorf("no media for %s", ref.MessageKeyID)
	}
	return payload, nil
}

func (s *Slot) IsConnected(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Sent returns a copy of every captured message.
func (s *Slot) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// TextsTo returns the texts sent to one recipient in order.
func (s *Slot) TextsTo(to string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var texts []string
	for _, msg := range s.sent {
		if msg.To == to && msg.Voice == nil {
			texts = append(texts, msg.Text)
		}
	}
	return texts
}
