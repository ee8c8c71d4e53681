package notify

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSubs() map[string]string {
	return map[string]string{
		"list_name":         "ant@example.com",
		"list_display_name": "Ant",
		"owner_address":     "ant-owner@example.com",
		"email":             "anne@example.com",
		"display_name":      "Anne Person",
		"role":              "member",
		"token":             "tok123",
		"lifetime":          "3 days",
		"confirm_url":       "https://lists.example.com/api/v1/confirm/tok123",
	}
}

func TestRendererKnowsEveryWorkflowTemplate(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	for _, name := range []string{
		"subscription.verify",
		"subscription.confirm",
		"subscription.held",
		"moderation.request",
		"subscription.rejected",
		"subscription.welcome",
	} {
		assert.True(t, r.Has(name), name)
		out, err := r.Render(name, baseSubs())
		require.NoError(t, err, name)
		assert.Contains(t, out.Subject, "Ant", name)
		assert.NotEmpty(t, out.Text, name)
	}
}

func TestRenderConfirmCarriesTokenAndLink(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	out, err := r.Render("subscription.confirm", baseSubs())
	require.NoError(t, err)
	assert.Equal(t, "Confirm your subscription to Ant", out.Subject)
	assert.Contains(t, out.HTML, `href="https://lists.example.com/api/v1/confirm/tok123"`)
	assert.Contains(t, out.Text, "tok123")
	assert.Contains(t, out.Text, "3 days")
	assert.NotContains(t, out.Text, "<p>")
}

func TestRenderEscapesHTML(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	subs := baseSubs()
	subs["display_name"] = "<script>x</script>"
	out, err := r.Render("subscription.welcome", subs)
	require.NoError(t, err)
	assert.NotContains(t, out.HTML, "<script>")
}

func TestRenderMissingSubstitutionIsEmpty(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	out, err := r.Render("subscription.rejected", map[string]string{"list_display_name": "Ant", "email": "anne@example.com"})
	require.NoError(t, err)
	assert.NotContains(t, out.HTML, "no value")
	assert.NotContains(t, out.HTML, "Reason given")
}

func TestRenderUnknownTemplate(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	_, err = r.Render("subscription.bogus", nil)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestComposeMultipartAlternative(t *testing.T) {
	from, err := mail.ParseAddress("Ant list <ant-bounces@example.com>")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, err := Compose(from, "anne@example.com", Rendered{Subject: "Hello", HTML: "<p>hi</p>", Text: "hi"}, now)
	require.NoError(t, err)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Hello", subject)
	date, err := mr.Header.Date()
	require.NoError(t, err)
	assert.True(t, now.Equal(date))
	to, err := mr.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "anne@example.com", to[0].Address)
	assert.Equal(t, "auto-generated", mr.Header.Get("Auto-Submitted"))
	id, err := mr.Header.MessageID()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	var types []string
	var bodies []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		h, ok := p.Header.(*mail.InlineHeader)
		require.True(t, ok)
		ct, _, err := h.ContentType()
		require.NoError(t, err)
		types = append(types, ct)
		b, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		bodies = append(bodies, strings.TrimSpace(string(b)))
	}
	assert.Equal(t, []string{"text/plain", "text/html"}, types)
	assert.Equal(t, []string{"hi", "<p>hi</p>"}, bodies)
}

func TestComposeRejectsBadRecipient(t *testing.T) {
	from := &mail.Address{Address: "ant-bounces@example.com"}
	_, err := Compose(from, "not an address", Rendered{Subject: "x"}, time.Now())
	assert.Error(t, err)
}
