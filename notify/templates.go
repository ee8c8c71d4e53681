// Package notify renders subscription notices, queues them in a local
// sqlite outbox and relays them over SMTP from a background worker.
package notify

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"text/template"

	"github.com/k3a/html2text"
)

var ErrUnknownTemplate = errors.New("unknown notice template")

type source struct {
	subject string
	html    string
}

var builtin = map[string]source{
	"subscription.verify": {
		subject: `Verify your address for {{.list_display_name}}`,
		html: `<p>Hello {{if .display_name}}{{.display_name}}{{else}}{{.email}}{{end}},</p>
<p>We received a request to subscribe <b>{{.email}}</b> to the {{.list_display_name}} list ({{.list_name}}).</p>
<p>To verify your address follow this link: <a href="{{.confirm_url}}">{{.confirm_url}}</a></p>
<p>Your token is <code>{{.token}}</code>. It expires in {{.lifetime}}.</p>
<p>If you did not ask for this you can ignore this message.</p>`,
	},
	"subscription.confirm": {
		subject: `Confirm your subscription to {{.list_display_name}}`,
		html: `<p>Hello {{if .display_name}}{{.display_name}}{{else}}{{.email}}{{end}},</p>
<p>Please confirm that <b>{{.email}}</b> should join {{.list_display_name}} as a {{.role}}.</p>
<p>Confirm here: <a href="{{.confirm_url}}">{{.confirm_url}}</a></p>
<p>Your token is <code>{{.token}}</code>. It expires in {{.lifetime}}.</p>
<p>If you did not ask for this you can ignore this message.</p>`,
	},
	"subscription.held": {
		subject: `Your subscription to {{.list_display_name}} is awaiting approval`,
		html: `<p>Hello {{if .display_name}}{{.display_name}}{{else}}{{.email}}{{end}},</p>
<p>Your request to join {{.list_display_name}} has been passed to the list moderators.</p>
<p>You will hear from us again once they decide. Questions can go to {{.owner_address}}.</p>`,
	},
	"moderation.request": {
		subject: `Subscription request for {{.list_display_name}} needs approval`,
		html: `<p><b>{{.email}}</b>{{if .display_name}} ({{.display_name}}){{end}} asked to join {{.list_name}} as a {{.role}}.</p>
<p>Request token: <code>{{.token}}</code>. The request expires in {{.lifetime}}.</p>
<p>Approve or reject it from the moderation queue.</p>`,
	},
	"subscription.rejected": {
		subject: `Your subscription to {{.list_display_name}} was rejected`,
		html: `<p>Hello {{if .display_name}}{{.display_name}}{{else}}{{.email}}{{end}},</p>
<p>Your request to join {{.list_display_name}} was not accepted.</p>
{{if .reason}}<p>Reason given: {{.reason}}</p>{{end}}
<p>Questions can go to {{.owner_address}}.</p>`,
	},
	"subscription.welcome": {
		subject: `Welcome to {{.list_display_name}}`,
		html: `<p>Hello {{if .display_name}}{{.display_name}}{{else}}{{.email}}{{end}},</p>
<p>You are now subscribed to {{.list_display_name}} ({{.list_name}}) as a {{.role}}.</p>
<p>The list owner can be reached at {{.owner_address}}.</p>`,
	},
}

type compiled struct {
	subject *template.Template
	html    *htmltemplate.Template
}

// Rendered is a notice ready for composition.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer holds the parsed notice templates.
type Renderer struct {
	templates map[string]compiled
}

func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]compiled, len(builtin))}
	for name, src := range builtin {
		subj, err := template.New(name + ".subject").Option("missingkey=zero").Parse(src.subject)
		if err != nil {
			return nil, fmt.Errorf("parse %s subject: %w", name, err)
		}
		body, err := htmltemplate.New(name + ".html").Option("missingkey=zero").Parse(src.html)
		if err != nil {
			return nil, fmt.Errorf("parse %s body: %w", name, err)
		}
		r.templates[name] = compiled{subject: subj, html: body}
	}
	return r, nil
}

// Has reports whether name is a known template.
func (r *Renderer) Has(name string) bool {
	_, ok := r.templates[name]
	return ok
}

func (r *Renderer) Render(name string, subs map[string]string) (Rendered, error) {
	t, ok := r.templates[name]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	if subs == nil {
		subs = map[string]string{}
	}

	var subj, body bytes.Buffer
	if err := t.subject.Execute(&subj, subs); err != nil {
		return Rendered{}, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := t.html.Execute(&body, subs); err != nil {
		return Rendered{}, fmt.Errorf("render %s body: %w", name, err)
	}

	return Rendered{
		Subject: subj.String(),
		HTML:    body.String(),
		Text:    html2text.HTML2Text(body.String()),
	}, nil
}
