package handlers

import (
	"fmt"

	"github.com/lalithlochan/propline/internal/db"
)

var (
	_ Handler = recallMatched{}
	_ Handler = warrantyExpiring{}
	_ Handler = maintenanceDue{}
)

var defaultChannels = []db.Channel{db.ChannelInApp, db.ChannelEmail}

type recallMatched struct{ links Links }

func (recallMatched) Type() db.EventType { return db.EventRecallMatched }

func (h recallMatched) Build(ev *db.DomainEvent) (*Spec, error) {
	var p struct {
		RecallID string `json:"recallId"`
		ItemName string `json:"itemName"`
	}
	if err := decodePayload(ev, &p); err != nil {
		return nil, err
	}
	if p.RecallID == "" {
		return nil, fmt.Errorf("%w: recallId", ErrMissingField)
	}
	if p.ItemName == "" {
		return nil, fmt.Errorf("%w: itemName", ErrMissingField)
	}

	return &Spec{
		Title:      "Recall alert: " + p.ItemName,
		Message:    fmt.Sprintf("A manufacturer recall matches %s in your inventory.", p.ItemName),
		ActionURL:  h.links.Recall(p.RecallID),
		EntityType: "RECALL",
		EntityID:   p.RecallID,
		Priority:   db.PriorityHigh,
		Channels:   defaultChannels,
		Metadata:   map[string]any{"recallId": p.RecallID},
	}, nil
}

type warrantyExpiring struct{ links Links }

func (warrantyExpiring) Type() db.EventType { return db.EventWarrantyExpiring }

func (h warrantyExpiring) Build(ev *db.DomainEvent) (*Spec, error) {
	var p struct {
		ItemID    string `json:"itemId"`
		ItemName  string `json:"itemName"`
		ExpiresOn string `json:"expiresOn"`
	}
	if err := decodePayload(ev, &p); err != nil {
		return nil, err
	}
	switch {
	case p.ItemID == "":
		return nil, fmt.Errorf("%w: itemId", ErrMissingField)
	case p.ItemName == "":
		return nil, fmt.Errorf("%w: itemName", ErrMissingField)
	case p.ExpiresOn == "":
		return nil, fmt.Errorf("%w: expiresOn", ErrMissingField)
	}

	return &Spec{
		Title:      "Warranty expiring soon",
		Message:    fmt.Sprintf("The warranty for %s expires on %s.", p.ItemName, p.ExpiresOn),
		ActionURL:  h.links.InventoryItem(p.ItemID),
		EntityType: "INVENTORY_ITEM",
		EntityID:   p.ItemID,
		Priority:   db.PriorityNormal,
		Channels:   defaultChannels,
		Metadata:   map[string]any{"expiresOn": p.ExpiresOn},
	}, nil
}

type maintenanceDue struct{ links Links }

func (maintenanceDue) Type() db.EventType { return db.EventMaintenanceDue }

func (h maintenanceDue) Build(ev *db.DomainEvent) (*Spec, error) {
	var p struct {
		TaskID   string `json:"taskId"`
		TaskName string `json:"taskName"`
	}
	if err := decodePayload(ev, &p); err != nil {
		return nil, err
	}
	if ev.PropertyID == nil || *ev.PropertyID == "" {
		return nil, fmt.Errorf("%w: propertyId", ErrMissingField)
	}
	if p.TaskID == "" {
		return nil, fmt.Errorf("%w: taskId", ErrMissingField)
	}
	if p.TaskName == "" {
		return nil, fmt.Errorf("%w: taskName", ErrMissingField)
	}

	return &Spec{
		Title:      "Maintenance due",
		Message:    fmt.Sprintf("%s is due.", p.TaskName),
		ActionURL:  h.links.MaintenanceTask(*ev.PropertyID, p.TaskID),
		EntityType: "MAINTENANCE_TASK",
		EntityID:   p.TaskID,
		Priority:   db.PriorityNormal,
		Channels:   defaultChannels,
		Metadata:   map[string]any{"propertyId": *ev.PropertyID},
	}, nil
}
