package cat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pattern selects the compensation pattern applied to a transaction.
type Pattern int

const (
	// PatternTCC reserves resources during Try, then commits via Confirm
	// or rolls back via Cancel.
	PatternTCC Pattern = iota + 1
	// PatternSAGA compensates completed steps with their cancel invocations.
	PatternSAGA
	// PatternCC is compensation-only: there is no reservation phase, and a
	// step that never completed is never compensated.
	PatternCC
	// PatternNotice is fire-and-forget with retried redelivery instead of
	// confirm/cancel semantics.
	PatternNotice
)

func (p Pattern) String() string {
	switch p {
	case PatternTCC:
		return "tcc"
	case PatternSAGA:
		return "saga"
	case PatternCC:
		return "cc"
	case PatternNotice:
		return "notice"
	default:
		return "unknown"
	}
}

// Role identifies which part a node plays in a distributed transaction.
type Role int

const (
	// RoleStart marks the node that opened the transaction.
	RoleStart Role = iota + 1
	// RoleProvider marks a remote participant invoked on behalf of the starter.
	RoleProvider
	// RoleLocal marks an in-process nested call on a participant node.
	RoleLocal
	// RoleInline marks a nested call forwarded over another RPC hop.
	RoleInline
	// RoleTransport marks a context freshly received over an RPC hop,
	// before role normalization by the dispatcher.
	RoleTransport
)

func (r Role) String() string {
	switch r {
	case RoleStart:
		return "start"
	case RoleProvider:
		return "provider"
	case RoleLocal:
		return "local"
	case RoleInline:
		return "inline"
	case RoleTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Action is both the transaction status and the phase carried in a
// propagated context.
type Action int

const (
	// ActionPreTry is the initial status before the business call returns.
	ActionPreTry Action = iota + 1
	// ActionTrying means the Try phase completed on this node.
	ActionTrying
	// ActionConfirming means the Confirm phase is being driven.
	ActionConfirming
	// ActionCanceling means the Cancel phase is being driven.
	ActionCanceling
	// ActionNoticing means a Notice delivery is being driven.
	ActionNoticing
)

func (a Action) String() string {
	switch a {
	case ActionPreTry:
		return "pre_try"
	case ActionTrying:
		return "trying"
	case ActionConfirming:
		return "confirming"
	case ActionCanceling:
		return "canceling"
	case ActionNoticing:
		return "noticing"
	default:
		return "unknown"
	}
}

// Invocation is an immutable descriptor of one method call to (re)execute
// later. Instead of runtime type inspection, the target is a stable
// (class, method) key resolved through an InvocationRegistry, and the
// arguments travel as encoded JSON.
type Invocation struct {
	TargetClass  string          `json:"target_class"`
	TargetMethod string          `json:"target_method"`
	Args         json.RawMessage `json:"args,omitempty"`
}

// NewInvocation builds an invocation descriptor, encoding args to JSON.
func NewInvocation(targetClass, targetMethod string, args any) (*Invocation, error) {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode invocation args: %w", err)
		}
		raw = data
	}
	return &Invocation{
		TargetClass:  targetClass,
		TargetMethod: targetMethod,
		Args:         raw,
	}, nil
}

// Key returns the registry key for this invocation.
func (i *Invocation) Key() string {
	return i.TargetClass + "#" + i.TargetMethod
}

// Participant is one enlisted unit of compensation for a transaction.
// Exactly one of {Confirm+Cancel} or {Notice} is populated, never both.
type Participant struct {
	TransID string      `json:"trans_id"`
	Confirm *Invocation `json:"confirm,omitempty"`
	Cancel  *Invocation `json:"cancel,omitempty"`
	Notice  *Invocation `json:"notice,omitempty"`
}

// NewParticipant builds a confirm/cancel participant.
func NewParticipant(transID string, confirm, cancel *Invocation) *Participant {
	return &Participant{TransID: transID, Confirm: confirm, Cancel: cancel}
}

// NewNoticeParticipant builds a notice participant.
func NewNoticeParticipant(transID string, notice *Invocation) *Participant {
	return &Participant{TransID: transID, Notice: notice}
}

// valid reports whether the participant populates exactly one of the
// confirm/cancel pair or the notice invocation.
func (p *Participant) valid() bool {
	hasCompensation := p.Confirm != nil || p.Cancel != nil
	hasNotice := p.Notice != nil
	return hasCompensation != hasNotice
}

// Transaction is the aggregate root of one coordinated unit of
// compensatable work.
type Transaction struct {
	// ID is the storage primary key, assigned by the backend.
	ID uint64 `json:"id"`
	// TransID is the global correlation id, assigned at creation and
	// immutable for the transaction's lifetime.
	TransID string `json:"trans_id"`

	Pattern Pattern `json:"pattern"`
	Role    Role    `json:"role"`
	Status  Action  `json:"status"`

	// Participants is mutated only by the owning node and fully replaced
	// (never merged) on update.
	Participants []*Participant `json:"participants"`

	RetriedCount int `json:"retried_count"`
	RetryMax     int `json:"retry_max"`

	// Timeout, when positive, is the wall-clock budget for the wrapped
	// business call. It is advisory: exceeding it raises a TimeoutError
	// after the fact, it never cancels the in-flight call.
	Timeout time.Duration `json:"timeout"`

	// Version is the optimistic-concurrency token. Every successful
	// repository Update increments it; an Update presenting a stale
	// version affects zero rows.
	Version int64 `json:"version"`

	CreateTime time.Time `json:"create_time"`
	LastTime   time.Time `json:"last_time"`

	TargetClass  string `json:"target_class"`
	TargetMethod string `json:"target_method"`
}

// NewTransaction allocates a transaction with a fresh TransID.
func NewTransaction(pattern Pattern, role Role) *Transaction {
	now := time.Now()
	return &Transaction{
		TransID:    uuid.NewString(),
		Pattern:    pattern,
		Role:       role,
		Status:     ActionPreTry,
		Version:    1,
		CreateTime: now,
		LastTime:   now,
	}
}

// NewParticipantTransaction allocates a provider-side transaction bound to
// a TransID propagated from the starter.
func NewParticipantTransaction(transID string, pattern Pattern) *Transaction {
	tx := NewTransaction(pattern, RoleProvider)
	tx.TransID = transID
	return tx
}

// RegisterParticipant appends a participant. A participant that populates
// conflicting invocations (both compensation and notice, or neither) is
// rejected.
func (t *Transaction) RegisterParticipant(p *Participant) error {
	if p == nil {
		return nil
	}
	if !p.valid() {
		return fmt.Errorf("participant for %s must carry either confirm/cancel or notice invocations", t.TransID)
	}
	t.Participants = append(t.Participants, p)
	return nil
}

// Snapshot returns a deep copy safe to hand to storage or another goroutine.
func (t *Transaction) Snapshot() *Transaction {
	cp := *t
	cp.Participants = make([]*Participant, len(t.Participants))
	for i, p := range t.Participants {
		pc := *p
		cp.Participants[i] = &pc
	}
	return &cp
}

// EncodeParticipants serializes the participant list for storage backends
// that keep it in a single column.
func (t *Transaction) EncodeParticipants() ([]byte, error) {
	data, err := json.Marshal(t.Participants)
	if err != nil {
		return nil, fmt.Errorf("failed to encode participants: %w", err)
	}
	return data, nil
}

// DecodeParticipants restores a participant list serialized with
// EncodeParticipants.
func DecodeParticipants(data []byte) ([]*Participant, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var participants []*Participant
	if err := json.Unmarshal(data, &participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	return participants, nil
}
