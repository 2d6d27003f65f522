// Package crm is the read-only boundary to the surrounding CRM.
//
// Contacts, campaigns and operators are owned by the CRM; this subsystem only
// resolves references before placing calls. No writes happen through this
// package.
package crm

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("crm: reference not found")

// Operator is the subset of the CRM operator record the dialer needs.
type Operator struct {
	ID string

	// EndpointType is "app" for WebRTC-attached operators (Endpoint is the
	// provider-side user name) or "phone" (Endpoint is an E.164 number).
	EndpointType string
	Endpoint     string
}

// Contact is the dialable view of a CRM contact.
type Contact struct {
	ID          string
	PhoneNumber string
}

// Directory resolves CRM references. Implementations must return ErrNotFound
// for unknown or inactive records so StartCall can reject dangling references
// before any provider interaction.
type Directory interface {
	Operator(ctx context.Context, operatorID string) (Operator, error)
	Contact(ctx context.Context, contactID string) (Contact, error)
	CampaignExists(ctx context.Context, campaignID string) (bool, error)
}
