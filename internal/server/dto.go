package server

import (
	"encoding/json"

	"github.com/samber/lo"

	"tbos/internal/domain"
	"tbos/internal/engine"
	"tbos/internal/engine/auth"
)

// Request payloads

type CreateDocumentRequest struct {
	ID                        string `json:"id,omitempty"`
	Kind                      string `json:"kind,omitempty" enum:"quote,order"`
	Reference                 string `json:"reference"`
	ClientName                string `json:"client_name,omitempty"`
	Formula                   string `json:"formula,omitempty"`
	RequiresTechnicalApproval bool   `json:"requires_technical_approval,omitempty"`
}

type RejectTechnicalRequest struct {
	Note string `json:"note,omitempty"`
}

type BlockTechnicalRequest struct {
	Code   string `json:"code" pattern:"^[A-Za-z0-9_]+$"`
	Reason string `json:"reason"`
}

type RollbackRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AcquireLockRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty" minimum:"0"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role,omitempty"`
}

// Responses

type DocumentResponse struct {
	domain.Document
	HighRisk bool             `json:"high_risk"`
	Lock     *domain.EditLock `json:"lock,omitempty"`
}

type paginatedDocuments struct {
	Items      []DocumentResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type ReleaseLockResponse struct {
	Released bool `json:"released"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	DocumentID string          `json:"document_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID      string             `json:"actor_id"`
	Name         string             `json:"name,omitempty"`
	Role         string             `json:"role"`
	KnownRole    bool               `json:"known_role"`
	Capabilities auth.CapabilitySet `json:"capabilities"`
	Granted      []auth.Capability  `json:"granted"`
	CanOverride  bool               `json:"can_override"`
	Source       string             `json:"source"`
}

type RoleCapabilitiesResponse struct {
	Role         string             `json:"role"`
	Canonical    string             `json:"canonical"`
	Known        bool               `json:"known"`
	Capabilities auth.CapabilitySet `json:"capabilities"`
	CanOverride  bool               `json:"can_override"`
}

type PendingApprovalsResponse struct {
	Pending int `json:"pending"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func documentResponse(e engine.Engine, doc domain.Document, lock *domain.EditLock) DocumentResponse {
	return DocumentResponse{Document: doc, HighRisk: e.HighRisk(doc), Lock: lock}
}

func mapDocuments(e engine.Engine, items []domain.Document) []DocumentResponse {
	return lo.Map(items, func(d domain.Document, _ int) DocumentResponse {
		return documentResponse(e, d, nil)
	})
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		DocumentID: evt.DocumentID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	return lo.Map(items, func(evt domain.Event, _ int) EventResponse {
		return eventResponse(evt)
	})
}
