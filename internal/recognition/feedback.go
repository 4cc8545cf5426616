package recognition

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-watch/internal/database"
	"github.com/kozaktomas/face-watch/internal/facematch"
)

// State is the feedback state of one proposed match.
type State int

const (
	StateProposed State = iota
	StateConfirmed
	StateCorrected
	StateMarkedUnknown
	StateIgnored

	stateApplying // decision accepted, mutation in flight
)

func (s State) String() string {
	switch s {
	case StateProposed:
		return "proposed"
	case StateConfirmed:
		return "confirmed"
	case StateCorrected:
		return "corrected"
	case StateMarkedUnknown:
		return "marked_unknown"
	case StateIgnored:
		return "ignored"
	case stateApplying:
		return "applying"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further feedback is accepted.
func (s State) Terminal() bool {
	return s != StateProposed
}

// Action is what the caller says about a proposed match.
type Action int

const (
	ActionConfirm Action = iota + 1
	ActionCorrect
	ActionMarkUnknown
	ActionIgnore
)

func (a Action) String() string {
	switch a {
	case ActionConfirm:
		return "confirm"
	case ActionCorrect:
		return "correct"
	case ActionMarkUnknown:
		return "mark_unknown"
	case ActionIgnore:
		return "ignore"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction accepts the action names used by the HTTP API and the CLI.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "confirm", "yes", "y":
		return ActionConfirm, nil
	case "correct", "rename":
		return ActionCorrect, nil
	case "mark_unknown", "unknown", "u":
		return ActionMarkUnknown, nil
	case "ignore", "skip", "s":
		return ActionIgnore, nil
	}
	return 0, fmt.Errorf("unknown feedback action %q", s)
}

// Decision is the caller's feedback. Label is only used by ActionCorrect.
type Decision struct {
	Action Action
	Label  facematch.Label
}

// Proposal is a match result waiting for feedback under Ref.
type Proposal struct {
	Ref       string                `json:"result_ref"`
	Result    facematch.MatchResult `json:"result"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// FeedbackOutcome reports what a decision did.
type FeedbackOutcome struct {
	Ref       string          `json:"result_ref"`
	State     State           `json:"-"`
	StateName string          `json:"state"`
	Label     facematch.Label `json:"label"`

	// Save is set when the face was saved or matched an existing entry by dedup.
	Save *SaveResult `json:"save,omitempty"`

	// RelabeledID is the unknown entry renamed by a correction.
	RelabeledID string `json:"relabeled_id,omitempty"`
}

type pendingResult struct {
	result    facematch.MatchResult
	embedding []float32
	image     []byte
	state     State
	expires   time.Time
}

// FeedbackController tracks proposed matches and applies one decision per match.
// Undecided proposals and decided tombstones expire after the TTL; a reference
// that expired is reported as not found.
type FeedbackController struct {
	maint   *Maintainer
	enabled bool
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingResult
}

// NewFeedbackController creates a controller. With enabled false every decision
// ends in StateIgnored without touching the database.
func NewFeedbackController(maint *Maintainer, enabled bool, ttl time.Duration, logger *slog.Logger) *FeedbackController {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &FeedbackController{
		maint:   maint,
		enabled: enabled,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		pending: make(map[string]*pendingResult),
	}
}

// Enabled reports whether feedback mutates the database.
func (c *FeedbackController) Enabled() bool {
	return c.enabled
}

// Register records a new match result in StateProposed. The embedding and the
// source image are kept so the face can be saved on feedback.
func (c *FeedbackController) Register(result facematch.MatchResult, embedding []float32, image []byte) Proposal {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	ref := uuid.NewString()
	p := &pendingResult{
		result:    result,
		embedding: embedding,
		image:     image,
		state:     StateProposed,
		expires:   now.Add(c.ttl),
	}
	c.pending[ref] = p
	return Proposal{Ref: ref, Result: result, ExpiresAt: p.expires}
}

// State returns the current state of a result reference.
func (c *FeedbackController) State(ref string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	p, ok := c.pending[ref]
	if !ok {
		return 0, false
	}
	return p.state, true
}

// Pending returns the number of tracked results, decided or not.
func (c *FeedbackController) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.pending)
}

func (c *FeedbackController) pruneLocked(now time.Time) {
	for ref, p := range c.pending {
		if p.state != stateApplying && now.After(p.expires) {
			delete(c.pending, ref)
		}
	}
}

// Submit applies a decision to a proposed result. A second submission for the same
// reference fails with DuplicateFeedbackError and changes nothing. If applying the
// decision fails the result returns to StateProposed so the caller can retry.
func (c *FeedbackController) Submit(ctx context.Context, ref string, d Decision) (FeedbackOutcome, error) {
	c.mu.Lock()
	now := c.now()
	c.pruneLocked(now)
	p, ok := c.pending[ref]
	if !ok {
		c.mu.Unlock()
		return FeedbackOutcome{}, &database.NotFoundError{Kind: "result", ID: ref}
	}
	if p.state != StateProposed {
		state := p.state
		c.mu.Unlock()
		return FeedbackOutcome{}, &DuplicateFeedbackError{Ref: ref, State: state}
	}
	if d.Action == ActionCorrect && d.Label.IsUnknown() {
		c.mu.Unlock()
		return FeedbackOutcome{}, ErrLabelRequired
	}
	p.state = stateApplying
	c.mu.Unlock()

	outcome, err := c.apply(ctx, p, d)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		p.state = StateProposed
		return FeedbackOutcome{}, err
	}
	p.state = outcome.State
	p.expires = c.now().Add(c.ttl)
	p.image = nil // not needed by a tombstone
	outcome.Ref = ref
	outcome.StateName = outcome.State.String()

	c.logger.Info("feedback applied", "result", ref, "action", d.Action, "state", outcome.State, "label", outcome.Label)
	return outcome, nil
}

// apply maps a decision to its transition and performs the database mutation.
func (c *FeedbackController) apply(ctx context.Context, p *pendingResult, d Decision) (FeedbackOutcome, error) {
	if !c.enabled || d.Action == ActionIgnore {
		return FeedbackOutcome{State: StateIgnored, Label: p.result.Label}, nil
	}

	r := p.result
	switch d.Action {
	case ActionConfirm:
		if r.Label.IsUnknown() {
			// confirming "unknown" is the same as marking it unknown
			return c.markUnknown(ctx, p)
		}
		return c.confirm(ctx, p, r.Label)

	case ActionCorrect:
		if !r.Label.IsUnknown() && r.Label.Equal(d.Label) {
			return c.confirm(ctx, p, r.Label)
		}
		return c.correct(ctx, p, d.Label)

	case ActionMarkUnknown:
		return c.markUnknown(ctx, p)
	}
	return FeedbackOutcome{}, fmt.Errorf("unsupported feedback action %v", d.Action)
}

// confirm saves the presented face as one more entry for the label, unless it
// duplicates an existing one.
func (c *FeedbackController) confirm(ctx context.Context, p *pendingResult, label facematch.Label) (FeedbackOutcome, error) {
	res, err := c.maint.SaveFace(ctx, label, p.embedding, p.image, p.result.Region)
	if err != nil {
		return FeedbackOutcome{}, err
	}
	return FeedbackOutcome{State: StateConfirmed, Label: label, Save: &res}, nil
}

// correct renames the matched entry when it was an unknown face, then saves the
// presented face under the corrected label.
func (c *FeedbackController) correct(ctx context.Context, p *pendingResult, label facematch.Label) (FeedbackOutcome, error) {
	out := FeedbackOutcome{State: StateCorrected, Label: label}

	r := p.result
	if r.Confirmed && r.BestEntryID != "" && r.NearestLabel.IsUnknown() {
		if _, err := c.maint.Relabel(ctx, r.BestEntryID, label); err != nil {
			return FeedbackOutcome{}, fmt.Errorf("relabeling matched unknown face: %w", err)
		}
		out.RelabeledID = r.BestEntryID
	}

	res, err := c.maint.SaveFace(ctx, label, p.embedding, p.image, r.Region)
	if err != nil {
		return FeedbackOutcome{}, err
	}
	out.Save = &res
	return out, nil
}

func (c *FeedbackController) markUnknown(ctx context.Context, p *pendingResult) (FeedbackOutcome, error) {
	res, err := c.maint.SaveFace(ctx, facematch.Unknown, p.embedding, p.image, p.result.Region)
	if err != nil {
		return FeedbackOutcome{}, err
	}
	return FeedbackOutcome{State: StateMarkedUnknown, Label: facematch.Unknown, Save: &res}, nil
}
