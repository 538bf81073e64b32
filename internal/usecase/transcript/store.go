// Package transcript holds the ordered message list of one conversation and
// the only primitives allowed to mutate it.
package transcript

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatrelay/internal/domain"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a monotonic ULID. IDs generated within one process are
// strictly increasing, so insertion order and id order agree.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Store is the single source of truth for a conversation.
// Existing messages are never reordered and ids are unique.
type Store struct {
	mu   sync.RWMutex
	msgs []domain.Message
	ids  map[string]int // id -> index
}

// New creates an empty store.
func New() *Store {
	return &Store{ids: make(map[string]int)}
}

// Append adds msg to the end. It fails with ErrDuplicate if the id is already
// present and with ErrInvalidState if msg would be a second in-progress message.
func (s *Store) Append(msg domain.Message) error {
	if msg.ID == "" {
		return domain.NewDomainError("Transcript.Append", domain.ErrInvalidInput, "empty id")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Status == "" {
		msg.Status = domain.StatusComplete
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[msg.ID]; ok {
		return domain.NewDomainError("Transcript.Append", domain.ErrDuplicate, msg.ID)
	}
	if msg.InProgress() && s.inProgressLocked() >= 0 {
		return domain.NewDomainError("Transcript.Append", domain.ErrInvalidState, "a message is already in progress")
	}
	s.ids[msg.ID] = len(s.msgs)
	s.msgs = append(s.msgs, msg.Clone())
	return nil
}

// ReplaceLast replaces the content of the last message wholesale. The last
// message must be the in-progress assistant message.
func (s *Store) ReplaceLast(content []domain.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.msgs) - 1
	if i < 0 || !s.msgs[i].InProgress() || s.msgs[i].Role != domain.RoleAssistant {
		return domain.NewDomainError("Transcript.ReplaceLast", domain.ErrInvalidState, "no in-progress message")
	}
	s.msgs[i].Content = append([]domain.Part(nil), content...)
	return nil
}

// Finalize moves the in-progress message to status. It is a no-op when
// nothing is in progress.
func (s *Store) Finalize(status domain.MessageStatus) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.inProgressLocked()
	if i < 0 {
		return domain.Message{}, false
	}
	s.msgs[i].Status = status
	return s.msgs[i].Clone(), true
}

// Rewrite replaces the content of the message with the given id in place,
// keeping its position, role and attachments. origin replaces the retained
// outbound payload.
func (s *Store) Rewrite(id string, content []domain.Part, origin *domain.CompletionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.ids[id]
	if !ok {
		return domain.NewDomainError("Transcript.Rewrite", domain.ErrNotFound, id)
	}
	s.msgs[i].Content = append([]domain.Part(nil), content...)
	if origin != nil {
		req := origin.Clone()
		s.msgs[i].OriginRequest = &req
	} else {
		s.msgs[i].OriginRequest = nil
	}
	return nil
}

// SetOrigin records the outbound payload produced by the message with id.
func (s *Store) SetOrigin(id string, origin domain.CompletionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.ids[id]
	if !ok {
		return domain.NewDomainError("Transcript.SetOrigin", domain.ErrNotFound, id)
	}
	req := origin.Clone()
	s.msgs[i].OriginRequest = &req
	return nil
}

// SetAttachments replaces the attachments of the message with id.
func (s *Store) SetAttachments(id string, atts []domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.ids[id]
	if !ok {
		return domain.NewDomainError("Transcript.SetAttachments", domain.ErrNotFound, id)
	}
	s.msgs[i].Attachments = append([]domain.Attachment(nil), atts...)
	return nil
}

// Remove drops the single message with id. Later messages keep their order.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.ids[id]
	if !ok {
		return domain.NewDomainError("Transcript.Remove", domain.ErrNotFound, id)
	}
	delete(s.ids, id)
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	for j := i; j < len(s.msgs); j++ {
		s.ids[s.msgs[j].ID] = j
	}
	return nil
}

// TruncateAfter drops every message after id, keeping id itself.
func (s *Store) TruncateAfter(id string) error {
	return s.truncate("Transcript.TruncateAfter", id, 1)
}

// TruncateAt drops id and every message after it.
func (s *Store) TruncateAt(id string) error {
	return s.truncate("Transcript.TruncateAt", id, 0)
}

func (s *Store) truncate(op, id string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.ids[id]
	if !ok {
		return domain.NewDomainError(op, domain.ErrNotFound, id)
	}
	cut := i + keep
	for _, m := range s.msgs[cut:] {
		delete(s.ids, m.ID)
	}
	clear(s.msgs[cut:])
	s.msgs = s.msgs[:cut]
	return nil
}

// Clear empties the transcript.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
	s.ids = make(map[string]int)
}

// Messages returns a deep copy of the transcript.
func (s *Store) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Through returns a copy of the transcript up to and including id.
func (s *Store) Through(id string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.ids[id]
	if !ok {
		return nil, domain.NewDomainError("Transcript.Through", domain.ErrNotFound, id)
	}
	out := make([]domain.Message, i+1)
	for j := range out {
		out[j] = s.msgs[j].Clone()
	}
	return out, nil
}

// Get returns the message with id and its index.
func (s *Store) Get(id string) (domain.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.ids[id]
	if !ok {
		return domain.Message{}, -1, domain.NewDomainError("Transcript.Get", domain.ErrNotFound, id)
	}
	return s.msgs[i].Clone(), i, nil
}

// At returns the message at index i.
func (s *Store) At(i int) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.msgs) {
		return domain.Message{}, domain.NewDomainError("Transcript.At", domain.ErrNotFound, fmt.Sprintf("index %d", i))
	}
	return s.msgs[i].Clone(), nil
}

// Last returns the final message, if any.
func (s *Store) Last() (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.msgs) == 0 {
		return domain.Message{}, false
	}
	return s.msgs[len(s.msgs)-1].Clone(), true
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// InProgress returns the id of the in-progress message, or "".
func (s *Store) InProgress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.inProgressLocked(); i >= 0 {
		return s.msgs[i].ID
	}
	return ""
}

func (s *Store) inProgressLocked() int {
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].InProgress() {
			return i
		}
	}
	return -1
}
