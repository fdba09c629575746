package client

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ModeKind is how a submission executes: standalone, inside a dedicated
// session, or inside a batch.
type ModeKind int

const (
	JobMode ModeKind = iota
	SessionMode
	BatchMode
)

func (k ModeKind) String() string {
	switch k {
	case SessionMode:
		return "session"
	case BatchMode:
		return "batch"
	default:
		return "job"
	}
}

// ExecutionMode is the resolved answer to "where does this submission run".
// It is computed once per submission and never mutated.
type ExecutionMode struct {
	Kind        ModeKind
	BackendName string
	Group       *SessionGroup
}

// ExecutionTarget is the closed set of "where to run" inputs a caller can
// supply. A nil target means "whatever is ambient".
type ExecutionTarget interface {
	isExecutionTarget()
}

// BackendTarget runs the job standalone on a named compute target.
type BackendTarget struct {
	Name string
}

// SessionTarget runs the job inside an explicit session group.
type SessionTarget struct {
	Group *SessionGroup
}

// BatchTarget runs the job inside an explicit batch group.
type BatchTarget struct {
	Group *SessionGroup
}

func (BackendTarget) isExecutionTarget() {}
func (SessionTarget) isExecutionTarget() {}
func (BatchTarget) isExecutionTarget()   {}

// GroupStack is an explicit, injectable stack of "current" groups, scoped to
// whatever the caller decides (one stack per client by default). It replaces
// any notion of a process-global current session.
type GroupStack struct {
	mu    sync.Mutex
	stack []*SessionGroup
}

func NewGroupStack() *GroupStack {
	return &GroupStack{}
}

// Push makes group the current ambient group.
func (s *GroupStack) Push(group *SessionGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, group)
}

// Pop removes the current ambient group, if any.
func (s *GroupStack) Pop() *SessionGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return nil
	}
	group := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return group
}

// Current returns the innermost ambient group that is still accepting jobs.
func (s *GroupStack) Current() *SessionGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i].Active() {
			return s.stack[i]
		}
	}
	return nil
}

// ResolvePolicy controls resolution when both an explicit backend target and
// an ambient group are present. Today the explicit target wins; the service
// owners have announced the precedence will invert in a future contract, so
// the rule sits behind this flag rather than being hard-coded at call sites.
type ResolvePolicy struct {
	PreferAmbientGroup bool
}

// ResolveExecutionMode maps a "where to run" input to a concrete execution
// mode. Resolution is pure apart from a deprecation warning: supplying an
// explicit backend while a group is open is ambiguous, and the current
// precedence is scheduled to flip.
func ResolveExecutionMode(target ExecutionTarget, ambient *GroupStack, policy ResolvePolicy) (ExecutionMode, error) {
	var current *SessionGroup
	if ambient != nil {
		current = ambient.Current()
	}

	switch t := target.(type) {
	case BackendTarget:
		if t.Name == "" {
			return ExecutionMode{}, errors.New("backend target has no name")
		}
		if current != nil {
			if policy.PreferAmbientGroup {
				log.Warnf("an open %s overrides the explicit backend %q", current.Mode(), t.Name)
				return groupMode(current), nil
			}
			log.Warnf(
				"backend %q was passed while a %s is open; the explicit backend wins for now, "+
					"but this precedence is deprecated and will invert in a future release",
				t.Name, current.Mode(),
			)
		}
		return ExecutionMode{Kind: JobMode, BackendName: t.Name}, nil

	case SessionTarget:
		if t.Group == nil {
			return ExecutionMode{}, errors.New("session target has no group")
		}
		return ExecutionMode{Kind: SessionMode, BackendName: t.Group.BackendName(), Group: t.Group}, nil

	case BatchTarget:
		if t.Group == nil {
			return ExecutionMode{}, errors.New("batch target has no group")
		}
		return ExecutionMode{Kind: BatchMode, BackendName: t.Group.BackendName(), Group: t.Group}, nil

	case nil:
		if current == nil {
			return ExecutionMode{}, errors.New("no backend, session, or batch was given and no ambient group is open")
		}
		return groupMode(current), nil

	default:
		return ExecutionMode{}, errors.Errorf("unsupported execution target %T", target)
	}
}

func groupMode(group *SessionGroup) ExecutionMode {
	kind := SessionMode
	if group.Mode() == ModeBatch {
		kind = BatchMode
	}
	return ExecutionMode{Kind: kind, BackendName: group.BackendName(), Group: group}
}
