package handlers

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/migadu/mailbot/helpers"
	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/message"
	"github.com/migadu/mailbot/server/router"
)

// TemplateData is what reply templates see.
type TemplateData struct {
	Message *message.Message
	Match   router.Match
}

// Reply answers a matched message. bodyTemplate and subjectTemplate are
// text/template sources over TemplateData; an empty subject template gives
// "Re: <subject>" and an empty to replies to the sender.
func Reply(sender Sender, to, subjectTemplate, bodyTemplate string) (router.Handler, error) {
	body, err := template.New("reply_template").Option("missingkey=zero").Parse(bodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("reply_template: %w", err)
	}
	var subject *template.Template
	if subjectTemplate != "" {
		subject, err = template.New("reply_subject").Option("missingkey=zero").Parse(subjectTemplate)
		if err != nil {
			return nil, fmt.Errorf("reply_subject: %w", err)
		}
	}

	return func(ctx context.Context, msg *message.Message, match router.Match) {
		data := TemplateData{Message: msg, Match: match}

		rcpt := to
		if rcpt == "" {
			rcpt = msg.SenderAddress()
		}
		if rcpt == "" {
			logger.Warn("Handler: reply has no recipient", "rule", ruleName(ctx), "message_id", msg.MessageID())
			return
		}

		subj := helpers.ReplySubject(msg.Subject())
		if subject != nil {
			s, err := render(subject, data)
			if err != nil {
				logger.Error("Handler: failed to render reply subject", "rule", ruleName(ctx), "error", err)
				return
			}
			subj = s
		}

		text, err := render(body, data)
		if err != nil {
			logger.Error("Handler: failed to render reply", "rule", ruleName(ctx), "error", err)
			return
		}

		if err := sender.Send(ctx, rcpt, "", subj, text, "", false); err != nil {
			logger.Error("Handler: failed to queue reply", "rule", ruleName(ctx), "to", rcpt, "error", err)
			return
		}
		logger.Info("Handler: reply queued", "rule", ruleName(ctx), "to", rcpt, "subject", subj)
	}, nil
}

// Forward re-sends the matched message text to another address.
func Forward(sender Sender, to string) router.Handler {
	return func(ctx context.Context, msg *message.Message, match router.Match) {
		var b strings.Builder
		b.WriteString("---------- Forwarded message ----------\n")
		b.WriteString(msg.String())

		subj := helpers.ForwardSubject(msg.Subject())
		if err := sender.Send(ctx, to, "", subj, b.String(), "", false); err != nil {
			logger.Error("Handler: failed to queue forward", "rule", ruleName(ctx), "to", to, "error", err)
			return
		}
		logger.Info("Handler: forward queued", "rule", ruleName(ctx), "to", to, "subject", subj)
	}
}

func render(t *template.Template, data TemplateData) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
