package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-tick/caretaker/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlackShouldPostAttachment(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := NewSlack(SlackConfig{WebhookURL: srv.URL, Channel: "#ops"})
	ev := newEvent("disk-check", event.SeverityCritical, event.TransitionEscalated, t0)
	ev.Message = "/var at 97%"

	require.NoError(t, s.Deliver(context.Background(), ev))

	assert.Equal(t, "slack", s.Name())
	assert.Equal(t, "#ops", got.Channel)
	require.Len(t, got.Attachments, 1)
	a := got.Attachments[0]
	assert.Equal(t, "danger", a.Color)
	assert.Equal(t, "[CRITICAL] disk-check: escalated", a.Title)
	assert.Equal(t, "/var at 97%", a.Text)
	assert.Equal(t, t0.Unix(), a.Ts)
}

func TestSlackShouldClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{status: http.StatusOK},
		{status: http.StatusNoContent},
		{status: http.StatusTooManyRequests, wantErr: true},
		{status: http.StatusBadGateway, wantErr: true},
		{status: http.StatusBadRequest, wantErr: true, permanent: true},
		{status: http.StatusNotFound, wantErr: true, permanent: true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewSlack(SlackConfig{WebhookURL: srv.URL}).
				Deliver(context.Background(), newEvent("nginx", event.SeverityWarning, event.TransitionFailing, t0))

			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, ErrPermanent))
		})
	}
}

func TestSlackColor(t *testing.T) {
	assert.Equal(t, "warning", slackColor(event.SeverityWarning))
	assert.Equal(t, "good", slackColor(event.SeverityRecovery))
	assert.Equal(t, "#439FE0", slackColor(event.SeverityInfo))
}
