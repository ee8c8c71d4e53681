package testutils

import (
	"context"
	"maps"
	"sync"
)

// Notice is one captured notification.
type Notice struct {
	Template      string
	Recipient     string
	Substitutions map[string]string
}

// RecordingNotifier captures every Send. A non-nil Err is returned from
// Send after the notice is recorded.
type RecordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
	Err     error
}

func (n *RecordingNotifier) Send(ctx context.Context, template, recipient string, substitutions map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, Notice{
		Template:      template,
		Recipient:     recipient,
		Substitutions: maps.Clone(substitutions),
	})
	return n.Err
}

func (n *RecordingNotifier) Notices() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

// Templates lists the template names sent so far, in order.
func (n *RecordingNotifier) Templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, len(n.notices))
	for i, notice := range n.notices {
		names[i] = notice.Template
	}
	return names
}

// Last returns the most recent notice with the given template.
func (n *RecordingNotifier) Last(template string) (Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.notices) - 1; i >= 0; i-- {
		if n.notices[i].Template == template {
			return n.notices[i], true
		}
	}
	return Notice{}, false
}

func (n *RecordingNotifier) Reset() {
	n.mu.Lock()
	n.notices = nil
	n.mu.Unlock()
}
