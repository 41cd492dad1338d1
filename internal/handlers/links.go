package handlers

import (
	"net/url"
	"strings"
)

// Links builds deep links into the web app.
type Links struct {
	BaseURL string
}

func (l Links) build(parts ...string) string {
	if l.BaseURL == "" {
		return ""
	}
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(l.BaseURL, "/") + "/" + strings.Join(escaped, "/")
}

// Claim links to a claim's detail page.
func (l Links) Claim(claimID string) string { return l.build("claims", claimID) }

// Recall links to a recall notice.
func (l Links) Recall(recallID string) string { return l.build("recalls", recallID) }

// InventoryItem links to an inventory item.
func (l Links) InventoryItem(itemID string) string { return l.build("inventory", itemID) }

// MaintenanceTask links to a task under its property.
func (l Links) MaintenanceTask(propertyID, taskID string) string {
	return l.build("properties", propertyID, "maintenance", taskID)
}
