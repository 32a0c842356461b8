package shell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindflow/internal/domain"
)

func note() *domain.Notification {
	return &domain.Notification{ID: "n1", AccountID: "acct-1", Title: "Stretch", Content: "Stand up"}
}

func TestDesktopPassesTitleAndContent(t *testing.T) {
	// sh -c script $0 $1
	h := Desktop{Command: "sh", Args: []string{"-c", `test "$0" = "Stretch" && test "$1" = "Stand up"`}}
	assert.Equal(t, domain.ChannelDesktop, h.Channel())
	require.NoError(t, h.Send(context.Background(), note()))
}

func TestDesktopFailures(t *testing.T) {
	tests := []struct {
		name      string
		h         Desktop
		retryable bool
	}{
		{"no command", Desktop{}, false},
		{"missing binary", Desktop{Command: "remindflow-no-such-notifier"}, false},
		{"non-zero exit", Desktop{Command: "sh", Args: []string{"-c", "echo busy; exit 3"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.h.Send(context.Background(), note())
			var de *domain.ChannelDeliveryError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.retryable, de.Retryable)
			assert.Equal(t, domain.ChannelDesktop, de.Channel)
		})
	}
}
