package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lalithlochan/propline/internal/db"
)

const entityClaim = "CLAIM"

var claimChannels = []db.Channel{db.ChannelInApp, db.ChannelEmail}

var (
	_ Handler = claimSubmitted{}
	_ Handler = claimStatusChanged{}
	_ Handler = claimClosed{}
)

type claimPayload struct {
	ClaimID      string `json:"claimId"`
	ProviderName string `json:"providerName"`
	Status       string `json:"status"`
	Resolution   string `json:"resolution"`
}

func decodeClaim(ev *db.DomainEvent) (claimPayload, error) {
	var p claimPayload
	if err := decodePayload(ev, &p); err != nil {
		return p, err
	}
	if p.ClaimID == "" {
		return p, fmt.Errorf("%w: claimId", ErrMissingField)
	}
	return p, nil
}

type claimSubmitted struct{ links Links }

func (claimSubmitted) Type() db.EventType { return db.EventClaimSubmitted }

func (h claimSubmitted) Build(ev *db.DomainEvent) (*Spec, error) {
	p, err := decodeClaim(ev)
	if err != nil {
		return nil, err
	}

	message := "Your claim has been submitted."
	if p.ProviderName != "" {
		message = fmt.Sprintf("Your claim has been submitted to %s.", p.ProviderName)
	}

	return &Spec{
		Title:      "Claim submitted",
		Message:    message,
		ActionURL:  h.links.Claim(p.ClaimID),
		EntityType: entityClaim,
		EntityID:   p.ClaimID,
		Priority:   db.PriorityHigh,
		Channels:   claimChannels,
		Metadata:   map[string]any{"claimId": p.ClaimID},
	}, nil
}

type claimStatusChanged struct{ links Links }

func (claimStatusChanged) Type() db.EventType { return db.EventClaimStatusChanged }

func (h claimStatusChanged) Build(ev *db.DomainEvent) (*Spec, error) {
	p, err := decodeClaim(ev)
	if err != nil {
		return nil, err
	}
	if p.Status == "" {
		return nil, fmt.Errorf("%w: status", ErrMissingField)
	}

	return &Spec{
		Title:      "Claim status updated",
		Message:    fmt.Sprintf("Your claim is now %s.", humanize(p.Status)),
		ActionURL:  h.links.Claim(p.ClaimID),
		EntityType: entityClaim,
		EntityID:   p.ClaimID,
		Priority:   db.PriorityHigh,
		Channels:   claimChannels,
		Metadata:   map[string]any{"claimId": p.ClaimID, "status": p.Status},
	}, nil
}

type claimClosed struct{ links Links }

func (claimClosed) Type() db.EventType { return db.EventClaimClosed }

func (h claimClosed) Build(ev *db.DomainEvent) (*Spec, error) {
	p, err := decodeClaim(ev)
	if err != nil {
		return nil, err
	}

	message := "Your claim has been closed."
	if p.Resolution != "" {
		message = fmt.Sprintf("Your claim has been closed: %s.", humanize(p.Resolution))
	}

	return &Spec{
		Title:      "Claim closed",
		Message:    message,
		ActionURL:  h.links.Claim(p.ClaimID),
		EntityType: entityClaim,
		EntityID:   p.ClaimID,
		Priority:   db.PriorityHigh,
		Channels:   claimChannels,
		Metadata:   map[string]any{"claimId": p.ClaimID},
	}, nil
}

func decodePayload(ev *db.DomainEvent, v any) error {
	if len(ev.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// humanize renders an enum-style value ("IN_REVIEW") as lower-case words ("in review").
func humanize(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", " "))
}
