package delivery

import (
	"mailq/internal/email"
	"mailq/queue"
)

// render resolves the subject and body to send. A template, when named,
// supplies both; an explicit subject on the message wins.
func render(templates *email.Templates, msg queue.Message) (subject, body string, err error) {
	if msg.TemplateID == "" {
		return msg.Subject, msg.Body, nil
	}
	subject, body, err = templates.Render(msg.TemplateID, msg.Variables)
	if err != nil {
		return "", "", err
	}
	if msg.Subject != "" {
		subject = msg.Subject
	}
	return subject, body, nil
}
