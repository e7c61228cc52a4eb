// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire shapes and the per-entity adapter pairs between local entities and
// remote payloads. Each pair is total: every local field is enumerated, and
// nested structures (medications, emergency contacts) travel as structured
// JSON so they round-trip losslessly. Both the REST gateway and the direct
// database fallback apply the same adapters.

type remoteUser struct {
	ID           string    `json:"id"`
	MemberNumber string    `json:"member_number"`
	Role         string    `json:"role"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	PhoneNumber  string    `json:"phone_number"`
	CreatedAt    time.Time `json:"created_at"`
}

type remoteMedication struct {
	Name     string `json:"name"`
	Dosage   string `json:"dosage"`
	Schedule string `json:"schedule"`
}

type remoteContact struct {
	Name         string `json:"name"`
	PhoneNumber  string `json:"phone_number"`
	Relationship string `json:"relationship"`
}

type remoteChild struct {
	ID                string             `json:"id"`
	GuardianID        string             `json:"guardian_id"`
	ChildNumber       string             `json:"child_number"`
	FullName          string             `json:"full_name"`
	DateOfBirth       string             `json:"date_of_birth"`
	Allergies         []string           `json:"allergies"`
	Medications       []remoteMedication `json:"medications"`
	EmergencyContacts []remoteContact    `json:"emergency_contacts"`
	Notes             string             `json:"notes"`
}

type remoteInstruction struct {
	ID        string    `json:"id"`
	ChildID   string    `json:"child_id"`
	Category  string    `json:"category"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type remoteSession struct {
	ID                 string     `json:"id"`
	GuardianID         string     `json:"guardian_id"`
	SitterID           string     `json:"sitter_id,omitempty"`
	ChildIDs           []string   `json:"child_ids"`
	Status             string     `json:"status"`
	StartTime          *time.Time `json:"start_time,omitempty"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

type remoteVerification struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	DocumentType string     `json:"document_type"`
	DocumentRef  string     `json:"document_ref"`
	Status       string     `json:"status"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
}

func toRemoteUser(u *User) remoteUser {
	return remoteUser{
		ID:           u.ID,
		MemberNumber: u.MemberNumber,
		Role:         string(u.Role),
		DisplayName:  u.FullName,
		Email:        u.Email,
		PhoneNumber:  u.Phone,
		CreatedAt:    u.CreatedAt,
	}
}

func fromRemoteUser(r remoteUser) User {
	return User{
		ID:           r.ID,
		MemberNumber: r.MemberNumber,
		Role:         Role(r.Role),
		FullName:     r.DisplayName,
		Email:        r.Email,
		Phone:        r.PhoneNumber,
		CreatedAt:    r.CreatedAt,
	}
}

func toRemoteChild(c *Child) remoteChild {
	meds := make([]remoteMedication, len(c.Medications))
	for i, m := range c.Medications {
		meds[i] = remoteMedication{Name: m.Name, Dosage: m.Dosage, Schedule: m.Schedule}
	}
	contacts := make([]remoteContact, len(c.EmergencyContacts))
	for i, ec := range c.EmergencyContacts {
		contacts[i] = remoteContact{Name: ec.Name, PhoneNumber: ec.Phone, Relationship: ec.Relationship}
	}
	return remoteChild{
		ID:                c.ID,
		GuardianID:        c.ParentID,
		ChildNumber:       c.ChildNumber,
		FullName:          c.Name,
		DateOfBirth:       c.BirthDate,
		Allergies:         c.Allergies,
		Medications:       meds,
		EmergencyContacts: contacts,
		Notes:             c.Notes,
	}
}

func fromRemoteChild(r remoteChild) Child {
	meds := make([]Medication, len(r.Medications))
	for i, m := range r.Medications {
		meds[i] = Medication{Name: m.Name, Dosage: m.Dosage, Schedule: m.Schedule}
	}
	contacts := make([]EmergencyContact, len(r.EmergencyContacts))
	for i, ec := range r.EmergencyContacts {
		contacts[i] = EmergencyContact{Name: ec.Name, Phone: ec.PhoneNumber, Relationship: ec.Relationship}
	}
	return Child{
		ID:                r.ID,
		ParentID:          r.GuardianID,
		ChildNumber:       r.ChildNumber,
		Name:              r.FullName,
		BirthDate:         r.DateOfBirth,
		Allergies:         r.Allergies,
		Medications:       meds,
		EmergencyContacts: contacts,
		Notes:             r.Notes,
	}
}

func toRemoteInstruction(i *ChildInstruction) remoteInstruction {
	return remoteInstruction{
		ID:        i.ID,
		ChildID:   i.ChildID,
		Category:  i.Category,
		Body:      i.Content,
		CreatedAt: i.CreatedAt,
	}
}

func fromRemoteInstruction(r remoteInstruction) ChildInstruction {
	return ChildInstruction{
		ID:        r.ID,
		ChildID:   r.ChildID,
		Category:  r.Category,
		Content:   r.Body,
		CreatedAt: r.CreatedAt,
	}
}

func toRemoteSession(s *Session) remoteSession {
	return remoteSession{
		ID:                 s.ID,
		GuardianID:         s.ParentID,
		SitterID:           s.SitterID,
		ChildIDs:           s.ChildIDs,
		Status:             string(s.Status),
		StartTime:          s.StartTime,
		EndTime:            s.EndTime,
		CancelledAt:        s.CancelledAt,
		CancelledBy:        s.CancelledBy,
		CancellationReason: s.CancellationReason,
		CompletedAt:        s.CompletedAt,
	}
}

func fromRemoteSession(r remoteSession) Session {
	return Session{
		ID:                 r.ID,
		ParentID:           r.GuardianID,
		SitterID:           r.SitterID,
		ChildIDs:           r.ChildIDs,
		Status:             SessionStatus(r.Status),
		StartTime:          r.StartTime,
		EndTime:            r.EndTime,
		CancelledAt:        r.CancelledAt,
		CancelledBy:        r.CancelledBy,
		CancellationReason: r.CancellationReason,
		CompletedAt:        r.CompletedAt,
	}
}

func toRemoteVerification(v *VerificationRequest) remoteVerification {
	return remoteVerification{
		ID:           v.ID,
		UserID:       v.UserID,
		DocumentType: v.DocumentType,
		DocumentRef:  v.DocumentRef,
		Status:       string(v.Status),
		SubmittedAt:  v.SubmittedAt,
		ReviewedAt:   v.ReviewedAt,
	}
}

func fromRemoteVerification(r remoteVerification) VerificationRequest {
	return VerificationRequest{
		ID:           r.ID,
		UserID:       r.UserID,
		DocumentType: r.DocumentType,
		DocumentRef:  r.DocumentRef,
		Status:       VerificationStatus(r.Status),
		SubmittedAt:  r.SubmittedAt,
		ReviewedAt:   r.ReviewedAt,
	}
}

// codec bundles the adapter pair for one entity kind at the json.RawMessage
// level, which is what the record-level service and gateways operate on.
type codec struct {
	toRemote   func(local json.RawMessage) (json.RawMessage, error)
	fromRemote func(remote json.RawMessage) (json.RawMessage, error)
}

func codecFor[L any, R any](to func(*L) R, from func(R) L) codec {
	return codec{
		toRemote: func(local json.RawMessage) (json.RawMessage, error) {
			var l L
			if err := json.Unmarshal(local, &l); err != nil {
				return nil, fmt.Errorf("failed to decode local entity: %w", err)
			}
			return json.Marshal(to(&l))
		},
		fromRemote: func(remote json.RawMessage) (json.RawMessage, error) {
			var r R
			if err := json.Unmarshal(remote, &r); err != nil {
				return nil, fmt.Errorf("failed to decode remote payload: %w", err)
			}
			return json.Marshal(from(r))
		},
	}
}

// codecs maps each kind to its adapter pair.
var codecs = map[Kind]codec{
	KindUser:             codecFor(toRemoteUser, fromRemoteUser),
	KindChild:            codecFor(toRemoteChild, fromRemoteChild),
	KindChildInstruction: codecFor(toRemoteInstruction, fromRemoteInstruction),
	KindSession:          codecFor(toRemoteSession, fromRemoteSession),
	KindVerification:     codecFor(toRemoteVerification, fromRemoteVerification),
}
