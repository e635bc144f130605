package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Messages(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a@test", "b@test", "c@test"} {
		require.NoError(t, s.CreateMessage(ctx, &Message{
			AS4MessageID: id,
			Kind:         "user_message",
			Action:       "Submit",
			ReceivedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}
	assert.ErrorIs(t, s.CreateMessage(ctx, &Message{AS4MessageID: "a@test"}), ErrDuplicateMessage)

	list, err := s.ListMessages(ctx, nil)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c@test", list[0].AS4MessageID)

	list, err = s.ListMessages(ctx, &MessageFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b@test", list[0].AS4MessageID)

	since := base.Add(90 * time.Second)
	n, err := s.CountMessages(ctx, &MessageFilter{Since: &since})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	msg, err := s.GetMessageByAS4ID(ctx, "b@test")
	require.NoError(t, err)
	require.NoError(t, s.UpdateMessageStatus(ctx, msg.ID, StatusUpdate{Status: StatusResponded, ResponseMessageID: "r@test", At: base}))

	msg, err = s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResponded, msg.Status)
	assert.Equal(t, "r@test", msg.ResponseMessageID)
	assert.Equal(t, base, *msg.RespondedAt)

	_, err = s.GetMessageByAS4ID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateMessageStatus(ctx, "missing", StatusUpdate{}), ErrNotFound)
}

func TestMemoryStore_Payloads(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	data := []byte("payload")
	p := &PayloadData{ContentID: "p@test", Data: data}
	id, err := s.StorePayload(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, Checksum(data), p.Checksum)

	data[0] = 'X'
	got, err := s.GetPayload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got.Data))

	require.NoError(t, s.DeletePayload(ctx, id))
	assert.ErrorIs(t, s.DeletePayload(ctx, id), ErrNotFound)
	_, err = s.GetPayload(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessageFilter_Matches(t *testing.T) {
	msg := &Message{Kind: "receipt", Status: StatusReceived, PModeID: "pm"}
	var nilFilter *MessageFilter
	assert.True(t, nilFilter.Matches(msg))
	assert.True(t, (&MessageFilter{Kind: "receipt", PModeID: "pm"}).Matches(msg))
	assert.False(t, (&MessageFilter{Status: StatusResponded}).Matches(msg))
	assert.False(t, (&MessageFilter{Action: "Submit"}).Matches(msg))
}
