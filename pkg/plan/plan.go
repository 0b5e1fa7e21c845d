// Package plan defines the Plan entity and its lifecycle state machine.
//
// A Plan is the durable record of one proposed side-effecting action.
// Its status moves only along the directed transition graph below; any
// other edge is rejected with ErrInvalidStatus and leaves the record
// untouched. All mutation of a stored plan's status goes through the
// store's atomic transition API, never through direct field writes.
package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the single authoritative lifecycle state of a Plan.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusScheduled       Status = "SCHEDULED"
	StatusExecuting       Status = "EXECUTING"
	StatusExecuted        Status = "EXECUTED"
	StatusFailed          Status = "FAILED"
	StatusRejected        Status = "REJECTED"
	StatusArchived        Status = "ARCHIVED"
)

// Channel identifies the target surface an executor acts on.
type Channel string

const (
	ChannelMail   Channel = "mail"
	ChannelSocial Channel = "social"
	ChannelForum  Channel = "forum"
	ChannelChat   Channel = "chat"
	ChannelERP    Channel = "erp"
)

// Plan is a unit of proposed work awaiting or undergoing execution.
type Plan struct {
	ID         string         `json:"id"`
	Channel    Channel        `json:"channel"`
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload"`
	Status     Status         `json:"status"`

	// ScheduledAt, when set and in the future, holds the plan in
	// StatusScheduled until a refresh pass moves it forward.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// FilePath points at the best-effort human-readable rendering of
	// this plan. It is derived state, never authoritative.
	FilePath string `json:"file_path,omitempty"`
}

// transitions is the legal edge set of the lifecycle graph.
// Archival is terminal; nothing ever re-enters an earlier state.
var transitions = map[Status][]Status{
	StatusDraft:           {StatusPendingApproval, StatusScheduled},
	StatusScheduled:       {StatusPendingApproval},
	StatusPendingApproval: {StatusApproved, StatusRejected},
	StatusApproved:        {StatusExecuting},
	StatusExecuting:       {StatusExecuted, StatusFailed},
	StatusExecuted:        {StatusArchived},
	StatusFailed:          {StatusArchived},
	StatusRejected:        {StatusArchived},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// New creates a Draft plan for the given channel and action.
func New(channel Channel, actionType string, payload map[string]any) *Plan {
	now := time.Now().UTC()
	return &Plan{
		ID:         uuid.New().String(),
		Channel:    channel,
		ActionType: actionType,
		Payload:    payload,
		Status:     StatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the plan to the target status, rejecting illegal
// edges with ErrInvalidStatus. UpdatedAt never decreases.
func (p *Plan) Transition(to Status, now time.Time) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, p.Status, to)
	}
	p.Status = to
	p.touch(now)
	return nil
}

// Finalize moves a Draft to PendingApproval, or to Scheduled when a
// future ScheduledAt is set.
func (p *Plan) Finalize(now time.Time) error {
	if p.ScheduledAt != nil && p.ScheduledAt.After(now) {
		return p.Transition(StatusScheduled, now)
	}
	return p.Transition(StatusPendingApproval, now)
}

// RefreshScheduled moves a Scheduled plan whose time has arrived to
// PendingApproval. It alters no other field and reports whether the
// plan moved. The scheduled time is checked, never pushed.
func (p *Plan) RefreshScheduled(now time.Time) bool {
	if p.Status != StatusScheduled {
		return false
	}
	if p.ScheduledAt != nil && p.ScheduledAt.After(now) {
		return false
	}
	// Edge is always legal from Scheduled.
	_ = p.Transition(StatusPendingApproval, now)
	return true
}

// Terminal reports whether the status can only move to Archived.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusRejected
}

// Valid reports whether c is a known channel value.
func (c Channel) Valid() bool {
	switch c {
	case ChannelMail, ChannelSocial, ChannelForum, ChannelChat, ChannelERP:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusApproved, StatusScheduled,
		StatusExecuting, StatusExecuted, StatusFailed, StatusRejected, StatusArchived:
		return true
	}
	return false
}

func (p *Plan) touch(now time.Time) {
	if now.After(p.UpdatedAt) {
		p.UpdatedAt = now
	}
}
