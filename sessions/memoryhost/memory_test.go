package memoryhost

import (
	"testing"

	"github.com/embedpick/picker-server-go/sessions"
	"github.com/embedpick/picker-server-go/sessions/sessionhosttest"
)

func TestMemorySessionHost(t *testing.T) {
	sessionhosttest.RunSessionHostTests(t, func(t *testing.T) sessions.SessionHost {
		return New()
	})
}
