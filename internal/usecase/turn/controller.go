// Package turn drives request/response turns against a completion gateway and
// folds streamed fragments into a transcript.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/tracer"
	"chatrelay/internal/usecase/transcript"
)

// State is the lifecycle position of the controller's current turn.
type State string

const (
	StateIdle      State = "idle"
	StateBuilding  State = "building"
	StateStreaming State = "streaming"
	StateFinalized State = "finalized"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// FailureNotice is the assistant text shown when a turn fails before any
// content arrived.
const FailureNotice = "Sorry, there was an error processing your request."

// DefaultMaxAttachments caps the attachments carried by one user message.
const DefaultMaxAttachments = 5

// Deps are the collaborators injected into a Controller.
type Deps struct {
	Gateway        domain.CompletionGateway
	Normalizer     domain.Normalizer // nil rejects every upload
	Store          *transcript.Store // nil creates an empty one
	Logger         *slog.Logger
	Model          string
	MaxTokens      int
	MaxAttachments int
}

// Snapshot is a consistent view of the controller for renderers.
type Snapshot struct {
	State    State            `json:"state"`
	Outcome  State            `json:"outcome,omitempty"`
	Editing  string           `json:"editing,omitempty"`
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
}

// Controller orchestrates turns. At most one turn is in flight: every entry
// point that opens a turn stops the previous one first.
type Controller struct {
	gateway        domain.CompletionGateway
	normalizer     domain.Normalizer
	store          *transcript.Store
	logger         *slog.Logger
	maxTokens      int
	maxAttachments int

	mu      sync.Mutex
	state   State
	outcome State  // terminal state of the most recent turn
	model   string
	editing string // id of the user message under edit

	// gen is bumped whenever a turn starts or is stopped. A stream goroutine
	// whose gen no longer matches is detached and must not touch the store.
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	updates chan struct{}
}

// New creates a Controller.
func New(deps Deps) *Controller {
	store := deps.Store
	if store == nil {
		store = transcript.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxAtt := deps.MaxAttachments
	if maxAtt <= 0 {
		maxAtt = DefaultMaxAttachments
	}
	return &Controller{
		gateway:        deps.Gateway,
		normalizer:     deps.Normalizer,
		store:          store,
		logger:         logger,
		maxTokens:      deps.MaxTokens,
		maxAttachments: maxAtt,
		state:          StateIdle,
		model:          domain.ResolveModel(deps.Model, ""),
		updates:        make(chan struct{}, 1),
	}
}

// Updates delivers a signal after every observable change. Signals are
// coalesced: a reader should call Snapshot after each receive.
func (c *Controller) Updates() <-chan struct{} { return c.updates }

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Snapshot returns the current state and a copy of the transcript.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:    c.state,
		Outcome:  c.outcome,
		Editing:  c.editing,
		Model:    c.model,
		Messages: c.store.Messages(),
	}
}

// State returns the current state (Idle, Building or Streaming).
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Outcome returns the terminal state of the most recent turn.
func (c *Controller) Outcome() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Editing returns the id under the editing cursor, or "".
func (c *Controller) Editing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editing
}

// Model returns the model copied into outbound requests.
func (c *Controller) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel selects the model for subsequent turns.
func (c *Controller) SetModel(id string) error {
	if !domain.IsSupportedModel(id) {
		return domain.NewDomainError("Turn.SetModel", domain.ErrInvalidInput, id)
	}
	c.mu.Lock()
	c.model = id
	c.mu.Unlock()
	c.notify()
	return nil
}

// Messages returns a copy of the transcript.
func (c *Controller) Messages() []domain.Message { return c.store.Messages() }

// Submit appends a user message and opens a turn over the whole transcript.
// It is BeginSubmit followed by the returned finish func.
func (c *Controller) Submit(ctx context.Context, text string, uploads []domain.Upload) error {
	finish, err := c.BeginSubmit(ctx, text, uploads)
	if err != nil {
		return err
	}
	return finish()
}

// BeginSubmit places the user message and stops any running turn without
// blocking. The returned finish normalizes uploads in the Building state and
// opens the turn; a Stop or another action issued before finish returns
// still applies in call order. Uploads that fail to normalize are logged and
// omitted.
func (c *Controller) BeginSubmit(ctx context.Context, text string, uploads []domain.Upload) (finish func() error, err error) {
	text = strings.TrimSpace(text)
	if text == "" && len(uploads) == 0 {
		return nil, domain.NewDomainError("Turn.Submit", domain.ErrInvalidInput, "empty message")
	}

	msg := domain.Message{
		ID:     transcript.NewID(),
		Role:   domain.RoleUser,
		Status: domain.StatusComplete,
	}
	if text != "" {
		msg.Content = []domain.Part{domain.TextPart(text)}
	}

	c.mu.Lock()
	c.stopLocked()
	if err := c.store.Append(msg); err != nil {
		c.mu.Unlock()
		return nil, domain.WrapOp("Turn.Submit", err)
	}
	buildCtx, cancel := context.WithCancel(ctx)
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.state = StateBuilding
	c.mu.Unlock()
	c.notify()

	return func() error {
		defer cancel()
		return c.finishSubmit(ctx, buildCtx, gen, msg.ID, text, uploads)
	}, nil
}

func (c *Controller) finishSubmit(ctx, buildCtx context.Context, gen uint64, id, text string, uploads []domain.Upload) error {
	attachments := c.normalize(buildCtx, uploads)

	c.mu.Lock()
	if len(attachments) > 0 {
		_ = c.store.SetAttachments(id, attachments)
	}
	empty := text == "" && len(attachments) == 0
	if c.gen != gen {
		// Stopped or superseded while normalizing. The message keeps its
		// place; no turn is opened for it.
		if empty {
			_ = c.store.Remove(id)
		}
		c.mu.Unlock()
		c.notify()
		c.logger.Debug("submit abandoned during normalization", "message_id", id)
		return nil
	}
	if empty {
		_ = c.store.Remove(id)
		c.releaseLocked()
		c.mu.Unlock()
		c.notify()
		return domain.NewDomainError("Turn.Submit", domain.ErrInvalidInput, "no usable content")
	}
	req := BuildRequest(c.store.Messages(), c.model, c.maxTokens)
	_ = c.store.SetOrigin(id, req)
	c.startLocked(ctx, req)
	c.mu.Unlock()

	c.notify()
	return nil
}

func (c *Controller) normalize(ctx context.Context, uploads []domain.Upload) []domain.Attachment {
	var out []domain.Attachment
	for i, u := range uploads {
		if len(out) >= c.maxAttachments {
			c.logger.Warn("attachment limit reached, dropping remaining files",
				"limit", c.maxAttachments, "dropped", len(uploads)-i)
			break
		}
		if c.normalizer == nil {
			c.logger.Warn("attachment dropped: no normalizer configured", "name", u.Name)
			continue
		}
		att, err := c.normalizer.Normalize(ctx, u)
		if err != nil {
			c.logger.Warn("attachment dropped", "name", u.Name, "error", err)
			continue
		}
		out = append(out, att)
	}
	return out
}

// Retry drops the assistant message with id and everything after it, then
// regenerates the answer to the preceding user message. The retained
// originRequest of that user message is replayed when present.
func (c *Controller) Retry(ctx context.Context, id string) error {
	c.mu.Lock()
	req, err := c.prepareRetryLocked(id)
	if err != nil {
		c.mu.Unlock()
		return domain.WrapOp("Turn.Retry", err)
	}
	c.startLocked(ctx, req)
	c.mu.Unlock()

	c.notify()
	return nil
}

func (c *Controller) prepareRetryLocked(id string) (domain.CompletionRequest, error) {
	target, idx, err := c.store.Get(id)
	if err != nil {
		return domain.CompletionRequest{}, err
	}
	if target.Role != domain.RoleAssistant {
		return domain.CompletionRequest{}, fmt.Errorf("%w: not an assistant message", domain.ErrInvalidInput)
	}
	var prompt *domain.Message
	for i := idx - 1; i >= 0; i-- {
		if m, _ := c.store.At(i); m.Role == domain.RoleUser {
			prompt = &m
			break
		}
	}
	if prompt == nil {
		return domain.CompletionRequest{}, fmt.Errorf("%w: no preceding user message", domain.ErrInvalidInput)
	}

	c.stopLocked()
	if err := c.store.TruncateAt(id); err != nil {
		return domain.CompletionRequest{}, err
	}

	if prompt.OriginRequest != nil {
		req := prompt.OriginRequest.Clone()
		req.Model = c.model
		req.MaxTokens = c.maxTokens
		return req, nil
	}
	through, err := c.store.Through(prompt.ID)
	if err != nil {
		return domain.CompletionRequest{}, err
	}
	return BuildRequest(through, c.model, c.maxTokens), nil
}

// Edit toggles the editing cursor onto the user message with id. The
// transcript is not touched.
func (c *Controller) Edit(id string) error {
	c.mu.Lock()
	msg, _, err := c.store.Get(id)
	if err != nil {
		c.mu.Unlock()
		return domain.WrapOp("Turn.Edit", err)
	}
	if msg.Role != domain.RoleUser {
		c.mu.Unlock()
		return domain.NewDomainError("Turn.Edit", domain.ErrInvalidInput, "only user messages can be edited")
	}
	if c.editing == id {
		c.editing = ""
	} else {
		c.editing = id
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// CancelEdit clears the editing cursor.
func (c *Controller) CancelEdit() {
	c.mu.Lock()
	changed := c.editing != ""
	c.editing = ""
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// SaveEdit replaces the text of the message under the cursor, drops every
// later message and opens a turn through the edited message. Attachments of
// the edited message are kept.
func (c *Controller) SaveEdit(ctx context.Context, newText string) error {
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return domain.NewDomainError("Turn.SaveEdit", domain.ErrInvalidInput, "empty text")
	}

	c.mu.Lock()
	if c.editing == "" {
		c.mu.Unlock()
		return domain.NewDomainError("Turn.SaveEdit", domain.ErrInvalidState, "no message under edit")
	}
	id := c.editing
	msg, _, err := c.store.Get(id)
	if err != nil {
		c.editing = ""
		c.mu.Unlock()
		return domain.WrapOp("Turn.SaveEdit", err)
	}

	c.stopLocked()
	if err := c.store.TruncateAfter(id); err != nil {
		c.mu.Unlock()
		return domain.WrapOp("Turn.SaveEdit", err)
	}
	if err := c.store.Rewrite(id, domain.WithText(msg.Content, newText), nil); err != nil {
		c.mu.Unlock()
		return domain.WrapOp("Turn.SaveEdit", err)
	}
	req := BuildRequest(c.store.Messages(), c.model, c.maxTokens)
	_ = c.store.SetOrigin(id, req)
	c.editing = ""
	c.startLocked(ctx, req)
	c.mu.Unlock()

	c.notify()
	return nil
}

// Stop cancels the in-flight turn. Partial content stays exactly as last
// updated.
func (c *Controller) Stop() {
	c.mu.Lock()
	stopped := c.stopLocked()
	c.mu.Unlock()
	if stopped {
		c.notify()
	}
}

// NewChat stops any turn, clears the transcript and the editing cursor.
func (c *Controller) NewChat() {
	c.mu.Lock()
	c.stopLocked()
	c.store.Clear()
	c.editing = ""
	c.outcome = ""
	c.mu.Unlock()
	c.notify()
}

// Wait blocks until the current turn (if any) has released its stream, or
// ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopLocked aborts the in-flight turn. It reports whether a turn was stopped.
func (c *Controller) stopLocked() bool {
	if c.state != StateBuilding && c.state != StateStreaming {
		return false
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.store.Finalize(domain.StatusComplete)
	c.state = StateIdle
	c.outcome = StateAborted
	c.logger.Debug("turn aborted")
	return true
}

func (c *Controller) startLocked(ctx context.Context, req domain.CompletionRequest) {
	c.gen++
	gen := c.gen
	turnCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateBuilding
	done := make(chan struct{})
	c.done = done
	go c.run(turnCtx, gen, req, done)
}

// run owns one turn's stream. Every store mutation re-checks gen under the
// lock so a detached stream cannot write.
func (c *Controller) run(ctx context.Context, gen uint64, req domain.CompletionRequest, done chan struct{}) {
	defer close(done)

	ctx, span := tracer.StartSpan(ctx, "turn.run")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("llm.model", req.Model),
		tracer.IntAttr("turn.messages", len(req.Messages)),
	)

	if c.gateway == nil {
		c.fail(gen, fmt.Errorf("no completion gateway configured"))
		return
	}

	ch, err := c.gateway.Stream(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	placeholder := domain.Message{
		ID:     transcript.NewID(),
		Role:   domain.RoleAssistant,
		Status: domain.StatusStreaming,
	}
	if err := c.store.Append(placeholder); err != nil {
		c.mu.Unlock()
		c.fail(gen, err)
		return
	}
	c.state = StateStreaming
	c.mu.Unlock()
	c.notify()
	c.logger.Debug("turn streaming", "message_id", placeholder.ID, "gateway", c.gateway.Name())

	var acc strings.Builder
	for f := range ch {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		if f.Text != "" {
			acc.WriteString(f.Text)
			_ = c.store.ReplaceLast([]domain.Part{domain.TextPart(acc.String())})
		}
		switch {
		case f.Err != nil:
			tracer.RecordError(span, f.Err)
			c.finishLocked(acc.Len() > 0, f.Err)
		case f.Done:
			c.finishLocked(true, nil)
			tracer.SetOK(span)
		}
		terminal := f.Err != nil || f.Done
		c.mu.Unlock()
		c.notify()
		if terminal {
			return
		}
	}

	// Channel closed without a terminal fragment.
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		// The caller's context ended the turn: same as Stop.
		c.stopLocked()
	} else {
		c.finishLocked(acc.Len() > 0, domain.ErrStreamInterrupt)
	}
	c.mu.Unlock()
	c.notify()
}

// finishLocked ends a streaming turn. With err == nil the turn is finalized.
// A failure with partial content keeps it and tags the message interrupted;
// a failure with no content turns the placeholder into the failure notice.
func (c *Controller) finishLocked(hasContent bool, err error) {
	switch {
	case err == nil:
		c.store.Finalize(domain.StatusComplete)
		c.outcome = StateFinalized
	case hasContent:
		c.store.Finalize(domain.StatusInterrupted)
		c.outcome = StateFailed
		c.logger.Warn("stream interrupted", "error", err)
	default:
		_ = c.store.ReplaceLast([]domain.Part{domain.TextPart(FailureNotice)})
		c.store.Finalize(domain.StatusError)
		c.outcome = StateFailed
		c.logger.Warn("turn failed", "error", err)
	}
	c.releaseLocked()
}

// fail handles a gateway error before any fragment arrived.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if errors.Is(err, context.Canceled) {
		c.stopLocked()
		c.mu.Unlock()
		c.notify()
		return
	}
	notice := domain.Message{
		ID:      transcript.NewID(),
		Role:    domain.RoleAssistant,
		Content: []domain.Part{domain.TextPart(FailureNotice)},
		Status:  domain.StatusError,
	}
	if appendErr := c.store.Append(notice); appendErr != nil {
		c.logger.Error("append failure notice", "error", appendErr)
	}
	c.outcome = StateFailed
	c.releaseLocked()
	c.mu.Unlock()
	c.logger.Warn("turn failed", "error", err)
	c.notify()
}

func (c *Controller) releaseLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = StateIdle
}
