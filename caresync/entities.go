// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"time"
)

// Local entity types. Field mapping between these and the remote payloads is
// explicit and exhaustive in adapters.go: a field added here without an
// adapter change is a compile error, not a runtime undefined.

// Role is a user role; it determines the member-number sequence prefix.
type Role string

const (
	RoleParent Role = "parent"
	RoleSitter Role = "sitter"
	RoleAdmin  Role = "admin"
)

// SequencePrefix returns the member-number prefix for the role
// ("p3", "b7", "a1").
func (r Role) SequencePrefix() string {
	switch r {
	case RoleParent:
		return "p"
	case RoleSitter:
		return "b"
	case RoleAdmin:
		return "a"
	default:
		return "u"
	}
}

// User is an account record.
type User struct {
	ID           string    `json:"id"`
	MemberNumber string    `json:"member_number"` // sequence number, e.g. "p3"
	Role         Role      `json:"role"`
	FullName     string    `json:"full_name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	CreatedAt    time.Time `json:"created_at"`
}

// Medication is one entry of a child's medication plan. Stored structured so
// it round-trips losslessly through the remote payload.
type Medication struct {
	Name     string `json:"name"`
	Dosage   string `json:"dosage"`
	Schedule string `json:"schedule"`
}

// EmergencyContact is a person to call when the parent is unreachable.
type EmergencyContact struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Relationship string `json:"relationship"`
}

// Child is a child profile owned by a parent.
type Child struct {
	ID                string             `json:"id"`
	ParentID          string             `json:"parent_id"`
	ChildNumber       string             `json:"child_number"` // sequence number, e.g. "c7"
	Name              string             `json:"name"`
	BirthDate         string             `json:"birth_date"` // YYYY-MM-DD
	Allergies         []string           `json:"allergies"`
	Medications       []Medication       `json:"medications"`
	EmergencyContacts []EmergencyContact `json:"emergency_contacts"`
	Notes             string             `json:"notes"`
}

// ChildInstruction is a care instruction attached to a child. ChildID may be
// a temporary id until the child is promoted.
type ChildInstruction struct {
	ID        string    `json:"id"`
	ChildID   string    `json:"child_id"`
	Category  string    `json:"category"` // e.g. "meal", "sleep", "medical"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a booked childcare session, the canonical stateful entity moved
// through the engine. Status transitions are enforced by session.go.
type Session struct {
	ID                 string        `json:"id"`
	ParentID           string        `json:"parent_id"`
	SitterID           string        `json:"sitter_id,omitempty"`
	ChildIDs           []string      `json:"child_ids"`
	Status             SessionStatus `json:"status"`
	StartTime          *time.Time    `json:"start_time,omitempty"`
	EndTime            *time.Time    `json:"end_time,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CancelledBy        string        `json:"cancelled_by,omitempty"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
}

// VerificationStatus is the review state of a verification request.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// VerificationRequest is an identity/background document submitted by a
// sitter for review. Upload of the document blob itself is an external
// concern; the engine only tracks the reference and review state.
type VerificationRequest struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	DocumentType string             `json:"document_type"` // e.g. "id_card", "background_check"
	DocumentRef  string             `json:"document_ref"`  // storage key assigned by the upload service
	Status       VerificationStatus `json:"status"`
	SubmittedAt  time.Time          `json:"submitted_at"`
	ReviewedAt   *time.Time         `json:"reviewed_at,omitempty"`
}
