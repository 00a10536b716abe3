// Package models defines the closed variants shared across the routing engine.
//
// Note: The primary record definitions live in the store package alongside their
// data access methods. This package provides shared enums, the request actor and
// the error taxonomy.
package models

import (
	"fmt"
	"strings"
)

// ActorRole identifies who is acting on a thread.
type ActorRole string

const (
	ActorClient     ActorRole = "client"
	ActorStaff      ActorRole = "staff"
	ActorSupervisor ActorRole = "supervisor"
	ActorOwner      ActorRole = "owner"
	ActorSystem     ActorRole = "system"
	ActorAutomation ActorRole = "automation"
)

// ParseActorRole maps a raw role string onto the closed set of roles.
func ParseActorRole(raw string) (ActorRole, error) {
	switch ActorRole(strings.ToLower(strings.TrimSpace(raw))) {
	case ActorClient:
		return ActorClient, nil
	case ActorStaff, "sitter":
		return ActorStaff, nil
	case ActorSupervisor:
		return ActorSupervisor, nil
	case ActorOwner:
		return ActorOwner, nil
	case ActorSystem:
		return ActorSystem, nil
	case ActorAutomation:
		return ActorAutomation, nil
	}
	return "", NewValidationError("actor_role", fmt.Sprintf("unknown actor role %q", raw))
}

// IsSupervisory reports whether the role manages every thread in its org.
func (r ActorRole) IsSupervisory() bool {
	switch r {
	case ActorSupervisor, ActorOwner:
		return true
	case ActorClient, ActorStaff, ActorSystem, ActorAutomation:
		return false
	}
	return false
}

// Actor is the explicit per-request identity every operation receives.
type Actor struct {
	OrgID   string
	Role    ActorRole
	ActorID string
	// StaffID is set for ActorStaff; it may differ from ActorID (user id).
	StaffID string
}

// NumberClass is the class of a masked number.
type NumberClass string

const (
	NumberClassFrontDesk NumberClass = "front_desk"
	NumberClassStaff     NumberClass = "staff"
	NumberClassPool      NumberClass = "pool"
)

func (c NumberClass) Valid() bool {
	switch c {
	case NumberClassFrontDesk, NumberClassStaff, NumberClassPool:
		return true
	}
	return false
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivered reports whether the message left the platform successfully.
func (s DeliveryStatus) Delivered() bool {
	return s == DeliverySent || s == DeliveryDelivered
}

// ViolationType is the category of contact-sharing content.
type ViolationType string

const (
	ViolationPhone  ViolationType = "phone"
	ViolationEmail  ViolationType = "email"
	ViolationURL    ViolationType = "url"
	ViolationSocial ViolationType = "social_handle"
)

// EnforcementAction records what was done about a violation.
type EnforcementAction string

const (
	ActionBlocked    EnforcementAction = "blocked"
	ActionWarned     EnforcementAction = "warned"
	ActionOverridden EnforcementAction = "overridden"
)

// AttemptStatus is the review state of an anti-circumvention attempt.
type AttemptStatus string

const (
	AttemptOpen      AttemptStatus = "open"
	AttemptResolved  AttemptStatus = "resolved"
	AttemptDismissed AttemptStatus = "dismissed"
)

type WindowStatus string

const (
	WindowActive WindowStatus = "active"
	WindowClosed WindowStatus = "closed"
)

type ThreadStatus string

const (
	ThreadOpen   ThreadStatus = "open"
	ThreadClosed ThreadStatus = "closed"
)

// ThreadKind separates client conversations from the org's supervisor inbox.
type ThreadKind string

const (
	ThreadKindClient          ThreadKind = "client"
	ThreadKindSupervisorInbox ThreadKind = "supervisor_inbox"
)

// RouteTarget is who receives an inbound message.
type RouteTarget string

const (
	RouteStaff      RouteTarget = "staff"
	RouteSupervisor RouteTarget = "supervisor"
)
