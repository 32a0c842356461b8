package email

import (
	"context"
	"errors"
	"net/smtp"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindflow/internal/domain"
)

func note(addr string) *domain.Notification {
	return &domain.Notification{
		ID:       "n1",
		Title:    "Dentist",
		Content:  "Tomorrow 10:00",
		Metadata: map[string]string{MetaAddress: addr},
	}
}

func TestSendBuildsMessage(t *testing.T) {
	e := New("smtp.example.com", 587, "bot", "pw", "bot@example.com")
	e.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	e.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		assert.NotNil(t, a)
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}

	require.NoError(t, e.Send(context.Background(), note("ada@example.com")))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "bot@example.com", gotFrom)
	assert.Equal(t, []string{"ada@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "To: ada@example.com\r\n")
	assert.Contains(t, gotMsg, "Subject: Dentist\r\n")
	assert.Contains(t, gotMsg, "Message-ID: <n1@remindflow>\r\n")
	assert.Contains(t, gotMsg, "Date: Fri, 01 May 2026 12:00:00 +0000\r\n")
	assert.Contains(t, gotMsg, "\r\n\r\nTomorrow 10:00\r\n")
}

func TestSendClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		addr      string
		err       error
		retryable bool
	}{
		{"missing address", "", nil, false},
		{"bad address", "not-an-address", nil, false},
		{"mailbox unavailable", "ada@example.com", &textproto.Error{Code: 550, Msg: "no such user"}, false},
		{"greylisted", "ada@example.com", &textproto.Error{Code: 451, Msg: "try later"}, true},
		{"connection refused", "ada@example.com", errors.New("dial tcp: connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New("smtp.example.com", 0, "", "", "bot@example.com")
			e.send = func(string, smtp.Auth, string, []string, []byte) error { return tt.err }

			err := e.Send(context.Background(), note(tt.addr))
			var de *domain.ChannelDeliveryError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.retryable, de.Retryable)
		})
	}
}

func TestSendHonoursContext(t *testing.T) {
	e := New("smtp.example.com", 25, "", "", "bot@example.com")
	release := make(chan struct{})
	defer close(release)
	e.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Send(ctx, note("ada@example.com"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
