package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phax/phase4-sub000/internal/storage"
	"github.com/phax/phase4-sub000/pkg/message"
	as4mime "github.com/phax/phase4-sub000/pkg/mime"
	"github.com/phax/phase4-sub000/pkg/msh"
	"github.com/phax/phase4-sub000/pkg/pmode"
)

type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) StorePayload(context.Context, *storage.PayloadData) (string, error) {
	return "", errors.New("disk full")
}

func testPMode() *pmode.ProcessingMode {
	pm := pmode.DefaultPMode()
	pm.ID = "archive-test"
	return pm
}

func newServer(t *testing.T, store storage.Store) *httptest.Server {
	t.Helper()
	engine, err := msh.NewEngine(msh.Config{
		Resolver:   pmode.NewManager(testPMode()),
		Processors: []msh.BusinessProcessor{NewArchiver(store, nil)},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func userMessageRequest(t *testing.T) (*message.UserMessage, []byte, string) {
	t.Helper()
	um, err := message.NewUserMessage(
		message.WithFrom("sender-ap", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
		message.WithTo("receiver-ap", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
		message.WithService("urn:test:orders", ""),
		message.WithAction("Submit"),
		message.WithMessageProperty(message.PropertyOriginalSender, "urn:buyer"),
		message.WithPart("order@test", message.PartPropertyMimeType, "application/xml"),
	).Build()
	require.NoError(t, err)

	doc, header, body := message.NewEnvelope(message.SOAP12)
	message.AppendUserMessage(message.AppendMessaging(header, message.SOAP12), um)
	body.CreateElement("Summary").SetText("one order")
	env, err := doc.WriteToBytes()
	require.NoError(t, err)

	data, ct, err := as4mime.Serialize(env, message.SOAP12.MimeType(), []as4mime.Payload{{
		ContentID:   "order@test",
		ContentType: "application/xml",
		Data:        []byte("<order id=\"1\"/>"),
	}})
	require.NoError(t, err)
	return um, data, ct
}

func post(t *testing.T, url string, body []byte, ct string) []byte {
	t.Helper()
	resp, err := http.Post(url, ct, bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func TestArchiver_UserMessage(t *testing.T) {
	store := storage.NewMemoryStore()
	srv := newServer(t, store)
	um, body, ct := userMessageRequest(t)

	post(t, srv.URL, body, ct)

	msg, err := store.GetMessageByAS4ID(context.Background(), um.MessageInfo.MessageId)
	require.NoError(t, err)
	assert.Equal(t, "user_message", msg.Kind)
	assert.Equal(t, "archive-test", msg.PModeID)
	assert.Equal(t, "sender-ap", msg.FromParty.Value)
	assert.Equal(t, "receiver-ap", msg.ToParty.Value)
	assert.Equal(t, "Submit", msg.Action)
	assert.Equal(t, "urn:buyer", msg.Properties[message.PropertyOriginalSender])
	assert.Equal(t, storage.StatusResponded, msg.Status)
	assert.NotEmpty(t, msg.ResponseMessageID)
	require.NotNil(t, msg.RespondedAt)
	assert.False(t, msg.SignatureValid)

	require.Len(t, msg.Payloads, 2)
	assert.Equal(t, BodyContentID, msg.Payloads[0].ContentID)
	assert.Equal(t, "order@test", msg.Payloads[1].ContentID)

	p, err := store.GetPayload(context.Background(), msg.Payloads[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "<order id=\"1\"/>", string(p.Data))
	assert.Equal(t, storage.Checksum(p.Data), msg.Payloads[1].Checksum)

	bodyPayload, err := store.GetPayload(context.Background(), msg.Payloads[0].ID)
	require.NoError(t, err)
	assert.Contains(t, string(bodyPayload.Data), "one order")
}

func TestArchiver_StoreFailure(t *testing.T) {
	store := failingStore{storage.NewMemoryStore()}
	srv := newServer(t, store)
	_, body, ct := userMessageRequest(t)

	resp := post(t, srv.URL, body, ct)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(resp))
	e := doc.FindElement("//SignalMessage/Error")
	require.NotNil(t, e)
	assert.Equal(t, "EBMS:0004", e.SelectAttrValue("errorCode", ""))

	n, err := store.CountMessages(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiver_Signals(t *testing.T) {
	store := storage.NewMemoryStore()
	a := NewArchiver(store, nil)
	ctx := context.Background()

	sm := &message.SignalMessage{
		MessageInfo: &message.MessageInfo{MessageId: "err@test", RefToMessageId: "out@test"},
		Error:       []message.Error{{ErrorCode: "EBMS:0202"}, {ErrorCode: "EBMS:0004"}},
	}
	state := &msh.State{
		Messaging:      &message.Messaging{SignalMessage: []*message.SignalMessage{sm}},
		MessageID:      "err@test",
		RefToMessageID: "out@test",
	}
	res, err := a.ProcessSignalMessage(ctx, msh.NewResponseMetadata(""), nil, sm, testPMode(), nil, state)
	require.NoError(t, err)
	assert.True(t, res.Success)

	a.ProcessResponse(ctx, nil, state, "", nil, false)

	msg, err := store.GetMessageByAS4ID(ctx, "err@test")
	require.NoError(t, err)
	assert.Equal(t, "error", msg.Kind)
	assert.Equal(t, "out@test", msg.RefToMessageID)
	assert.Equal(t, []string{"EBMS:0202", "EBMS:0004"}, msg.ErrorCodes)
	assert.Equal(t, storage.StatusNoResponse, msg.Status)

	// archiving the same signal again is not an error
	res, err = a.ProcessSignalMessage(ctx, msh.NewResponseMetadata(""), nil, sm, testPMode(), nil, state)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestArchiver_ResponseFailed(t *testing.T) {
	store := storage.NewMemoryStore()
	a := NewArchiver(store, nil)
	ctx := context.Background()
	require.NoError(t, store.CreateMessage(ctx, &storage.Message{AS4MessageID: "m@test", Status: storage.StatusReceived}))

	a.ProcessResponse(ctx, nil, &msh.State{MessageID: "m@test"}, "receipt@test", []byte("<x/>"), false)

	msg, err := store.GetMessageByAS4ID(ctx, "m@test")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusResponseFailed, msg.Status)
	assert.Equal(t, "receipt@test", msg.ResponseMessageID)
}
