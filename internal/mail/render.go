package mail

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"

	"github.com/lalithlochan/propline/internal/db"
)

// Card is one notification rendered inside an email.
type Card struct {
	Title     string
	Message   string
	ActionURL string
}

// CardFor builds the card for a notification.
func CardFor(n *db.Notification) Card {
	c := Card{Title: n.Title, Message: n.Message}
	if n.ActionURL != nil {
		c.ActionURL = *n.ActionURL
	}
	return c
}

var layout = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; background: #f5f6f8; padding: 24px;">
<h2 style="color: #1f2933;">{{.Heading}}</h2>
{{range .Cards}}<div style="background: #ffffff; border-radius: 6px; padding: 16px; margin-bottom: 12px;">
<h3 style="margin: 0 0 8px 0;">{{.Title}}</h3>
<p style="margin: 0;">{{.Message}}</p>
{{if .ActionURL}}<p style="margin: 12px 0 0 0;"><a href="{{.ActionURL}}">View details</a></p>{{end}}
</div>
{{end}}</body>
</html>
`))

type view struct {
	Heading string
	Cards   []Card
}

// RenderImmediate renders the email for a batch of urgent notifications. A single card
// uses its title as the subject.
func RenderImmediate(cards []Card) (subject, html string, err error) {
	switch len(cards) {
	case 0:
		return "", "", errors.New("render immediate: no cards")
	case 1:
		subject = cards[0].Title
	default:
		subject = fmt.Sprintf("You have %d new updates", len(cards))
	}
	html, err = render(view{Heading: subject, Cards: cards})
	return subject, html, err
}

// RenderDigest renders the periodic summary of pending notifications.
func RenderDigest(cards []Card) (subject, html string, err error) {
	if len(cards) == 0 {
		return "", "", errors.New("render digest: no cards")
	}
	if len(cards) == 1 {
		subject = "Your daily digest: 1 update"
	} else {
		subject = fmt.Sprintf("Your daily digest: %d updates", len(cards))
	}
	html, err = render(view{Heading: "Here is what happened at your properties", Cards: cards})
	return subject, html, err
}

func render(v view) (string, error) {
	var buf bytes.Buffer
	if err := layout.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buf.String(), nil
}
