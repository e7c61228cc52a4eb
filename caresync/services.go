// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Per-entity services: the public surface callers use. Save returns as soon
// as the local write lands; the remote write happens in the background.

// childDependents lists every kind/field that references a child id and must
// be rewritten when a temporary child id is promoted.
var childDependents = []Dependent{
	{Kind: KindChildInstruction, Field: "child_id"},
	{Kind: KindSession, Field: "child_ids"},
}

// userDependents lists every kind/field that references a user id.
var userDependents = []Dependent{
	{Kind: KindChild, Field: "parent_id"},
	{Kind: KindSession, Field: "parent_id"},
	{Kind: KindSession, Field: "sitter_id"},
	{Kind: KindVerification, Field: "user_id"},
}

// dependentsFor returns the dependent declarations for records of a kind,
// used when a rewritten dependent needs its own sync queued.
func dependentsFor(kind Kind) []Dependent {
	switch kind {
	case KindChild:
		return childDependents
	case KindUser:
		return userDependents
	}
	return nil
}

// ChildService manages child profiles.
type ChildService struct{ e *Engine }

// Children returns the child profile service.
func (e *Engine) Children() *ChildService { return &ChildService{e: e} }

// Save upserts a child profile. A child without an id receives a temporary
// id and, if missing, a child number from the local sequence scan; the
// remote numbering is checked in the background without blocking the caller.
func (s *ChildService) Save(ctx context.Context, child Child) (Child, error) {
	if child.ID == "" {
		child.ID = IssueTemporaryID()
	}
	if child.ChildNumber == "" {
		number, err := s.e.alloc.Next(ctx, "c", s.localNumberScan())
		if err != nil {
			return Child{}, err
		}
		child.ChildNumber = number
		s.e.worker.Spawn(KindChild, "sequence:c", func(ctx context.Context) error {
			s.e.alloc.AlignRemote(ctx, "c", number, s.remoteNumberScan(child.ParentID))
			return nil
		})
	}
	entity, err := json.Marshal(child)
	if err != nil {
		return Child{}, fmt.Errorf("failed to encode child: %w", err)
	}
	if err := s.e.saveAndSync(ctx, KindChild, child.ID, entity, childDependents); err != nil {
		return Child{}, err
	}
	return child, nil
}

// Get returns the child with the given (possibly still temporary) id.
func (s *ChildService) Get(ctx context.Context, id string) (*Child, error) {
	return getEntity[Child](ctx, s.e, KindChild, id)
}

// List returns all locally known children.
func (s *ChildService) List(ctx context.Context) ([]Child, error) {
	return listEntities[Child](ctx, s.e, KindChild)
}

// Delete removes the child profile.
func (s *ChildService) Delete(ctx context.Context, id string) error {
	return s.e.deleteAndSync(ctx, KindChild, id, "")
}

func (s *ChildService) localNumberScan() SequenceScan {
	return func(ctx context.Context) ([]string, error) {
		children, err := listEntities[Child](ctx, s.e, KindChild)
		if err != nil {
			return nil, err
		}
		numbers := make([]string, 0, len(children))
		for _, c := range children {
			numbers = append(numbers, c.ChildNumber)
		}
		return numbers, nil
	}
}

func (s *ChildService) remoteNumberScan(parentID string) SequenceScan {
	return func(ctx context.Context) ([]string, error) {
		payloads, err := s.e.gateway.List(ctx, KindChild, parentID)
		if err != nil {
			return nil, err
		}
		numbers := make([]string, 0, len(payloads))
		for _, p := range payloads {
			numbers = append(numbers, extractField(p, "child_number"))
		}
		return numbers, nil
	}
}

// InstructionService manages care instructions attached to children.
type InstructionService struct{ e *Engine }

// Instructions returns the child instruction service.
func (e *Engine) Instructions() *InstructionService { return &InstructionService{e: e} }

// Save upserts an instruction. The instruction may reference a child that is
// itself still temporary; the reference is rewritten when the child is
// promoted.
func (s *InstructionService) Save(ctx context.Context, ins ChildInstruction) (ChildInstruction, error) {
	if ins.ID == "" {
		ins.ID = IssueTemporaryID()
	}
	if ins.CreatedAt.IsZero() {
		ins.CreatedAt = time.Now().UTC()
	}
	entity, err := json.Marshal(ins)
	if err != nil {
		return ChildInstruction{}, fmt.Errorf("failed to encode instruction: %w", err)
	}
	if err := s.e.saveAndSync(ctx, KindChildInstruction, ins.ID, entity, nil); err != nil {
		return ChildInstruction{}, err
	}
	return ins, nil
}

// Get returns one instruction.
func (s *InstructionService) Get(ctx context.Context, id string) (*ChildInstruction, error) {
	return getEntity[ChildInstruction](ctx, s.e, KindChildInstruction, id)
}

// ListForChild returns the locally known instructions for a child.
func (s *InstructionService) ListForChild(ctx context.Context, childID string) ([]ChildInstruction, error) {
	all, err := listEntities[ChildInstruction](ctx, s.e, KindChildInstruction)
	if err != nil {
		return nil, err
	}
	var out []ChildInstruction
	for _, ins := range all {
		if ins.ChildID == childID {
			out = append(out, ins)
		}
	}
	return out, nil
}

// Delete removes an instruction.
func (s *InstructionService) Delete(ctx context.Context, id string) error {
	return s.e.deleteAndSync(ctx, KindChildInstruction, id, "")
}

// UserService manages account records.
type UserService struct{ e *Engine }

// Users returns the user service.
func (e *Engine) Users() *UserService { return &UserService{e: e} }

// Save upserts a user. New users get a member number derived from their
// role's sequence prefix.
func (s *UserService) Save(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		user.ID = IssueTemporaryID()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.MemberNumber == "" {
		prefix := user.Role.SequencePrefix()
		number, err := s.e.alloc.Next(ctx, prefix, s.localNumberScan())
		if err != nil {
			return User{}, err
		}
		user.MemberNumber = number
		s.e.worker.Spawn(KindUser, "sequence:"+prefix, func(ctx context.Context) error {
			s.e.alloc.AlignRemote(ctx, prefix, number, s.remoteNumberScan())
			return nil
		})
	}
	entity, err := json.Marshal(user)
	if err != nil {
		return User{}, fmt.Errorf("failed to encode user: %w", err)
	}
	if err := s.e.saveAndSync(ctx, KindUser, user.ID, entity, userDependents); err != nil {
		return User{}, err
	}
	return user, nil
}

// Get returns one user.
func (s *UserService) Get(ctx context.Context, id string) (*User, error) {
	return getEntity[User](ctx, s.e, KindUser, id)
}

// List returns all locally known users.
func (s *UserService) List(ctx context.Context) ([]User, error) {
	return listEntities[User](ctx, s.e, KindUser)
}

// Delete removes a user record.
func (s *UserService) Delete(ctx context.Context, id string) error {
	return s.e.deleteAndSync(ctx, KindUser, id, "")
}

func (s *UserService) localNumberScan() SequenceScan {
	return func(ctx context.Context) ([]string, error) {
		users, err := listEntities[User](ctx, s.e, KindUser)
		if err != nil {
			return nil, err
		}
		numbers := make([]string, 0, len(users))
		for _, u := range users {
			numbers = append(numbers, u.MemberNumber)
		}
		return numbers, nil
	}
}

func (s *UserService) remoteNumberScan() SequenceScan {
	return func(ctx context.Context) ([]string, error) {
		payloads, err := s.e.gateway.List(ctx, KindUser, "")
		if err != nil {
			return nil, err
		}
		numbers := make([]string, 0, len(payloads))
		for _, p := range payloads {
			numbers = append(numbers, extractField(p, "member_number"))
		}
		return numbers, nil
	}
}

// SessionService manages booked sessions.
type SessionService struct{ e *Engine }

// Sessions returns the session service.
func (e *Engine) Sessions() *SessionService { return &SessionService{e: e} }

// Save upserts a session. New sessions start in REQUESTED unless a status
// is set explicitly.
func (s *SessionService) Save(ctx context.Context, sess Session) (Session, error) {
	if sess.ID == "" {
		sess.ID = IssueTemporaryID()
	}
	if sess.Status == "" {
		sess.Status = SessionRequested
	}
	entity, err := json.Marshal(sess)
	if err != nil {
		return Session{}, fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.e.saveAndSync(ctx, KindSession, sess.ID, entity, nil); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Get returns one session.
func (s *SessionService) Get(ctx context.Context, id string) (*Session, error) {
	return getEntity[Session](ctx, s.e, KindSession, id)
}

// List returns all locally known sessions.
func (s *SessionService) List(ctx context.Context) ([]Session, error) {
	return listEntities[Session](ctx, s.e, KindSession)
}

// UpdateStatus applies a state-machine transition to the session and saves
// the result. Illegal transitions are rejected before anything is written.
func (s *SessionService) UpdateStatus(ctx context.Context, id string, to SessionStatus, cancel *Cancellation) (Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if err := Transition(sess, to, cancel, time.Now().UTC()); err != nil {
		return Session{}, err
	}
	return s.Save(ctx, *sess)
}

// Delete removes a session; reason travels with the remote delete.
func (s *SessionService) Delete(ctx context.Context, id, reason string) error {
	return s.e.deleteAndSync(ctx, KindSession, id, reason)
}

// VerificationService manages sitter verification requests.
type VerificationService struct{ e *Engine }

// Verifications returns the verification request service.
func (e *Engine) Verifications() *VerificationService { return &VerificationService{e: e} }

// Save upserts a verification request. New requests start pending.
func (s *VerificationService) Save(ctx context.Context, vr VerificationRequest) (VerificationRequest, error) {
	if vr.ID == "" {
		vr.ID = IssueTemporaryID()
	}
	if vr.Status == "" {
		vr.Status = VerificationPending
	}
	if vr.SubmittedAt.IsZero() {
		vr.SubmittedAt = time.Now().UTC()
	}
	entity, err := json.Marshal(vr)
	if err != nil {
		return VerificationRequest{}, fmt.Errorf("failed to encode verification request: %w", err)
	}
	if err := s.e.saveAndSync(ctx, KindVerification, vr.ID, entity, nil); err != nil {
		return VerificationRequest{}, err
	}
	return vr, nil
}

// Get returns one verification request.
func (s *VerificationService) Get(ctx context.Context, id string) (*VerificationRequest, error) {
	return getEntity[VerificationRequest](ctx, s.e, KindVerification, id)
}

// List returns all locally known verification requests.
func (s *VerificationService) List(ctx context.Context) ([]VerificationRequest, error) {
	return listEntities[VerificationRequest](ctx, s.e, KindVerification)
}

// Delete removes a verification request.
func (s *VerificationService) Delete(ctx context.Context, id string) error {
	return s.e.deleteAndSync(ctx, KindVerification, id, "")
}
