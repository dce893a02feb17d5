package push_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaeproject/activity-core/pkg/push"
)

type fakeAuth struct {
	fail bool
}

func (a fakeAuth) Authenticate(_ context.Context, userID, _, signature string) error {
	if a.fail || userID == "" || signature == "" {
		return errors.New("invalid signature")
	}
	return nil
}

type fakeACL struct {
	canView     bool
	validTokens map[string]bool
}

func (a fakeACL) CanView(_ context.Context, _, _ string) (bool, error) { return a.canView, nil }
func (a fakeACL) VerifyToken(_ context.Context, token, _ string) (bool, error) {
	return a.validTokens[token], nil
}

func testConfig() push.Config {
	return push.Config{
		AuthenticationTimeout: 2 * time.Second,
		WriteTimeout:          2 * time.Second,
		SendRatePerSecond:     0,
	}
}

func setupServer(t *testing.T, manager *push.Manager) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func authenticate(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	writeJSON(t, conn, map[string]string{
		"action":      "authentication",
		"userId":      userID,
		"tenantAlias": "tenantA",
		"signature":   "sig",
	})
}

func TestUnauthenticatedFirstFrameIsRejected(t *testing.T) {
	manager := push.NewManager(testConfig(), fakeAuth{fail: true}, fakeACL{canView: true})
	server := setupServer(t, manager)
	conn := dial(t, server)

	authenticate(t, conn, "u1")
	msg := readJSON(t, conn)
	errObj, ok := msg["error"].(map[string]any)
	require.True(t, ok, "expected an error frame")
	assert.Equal(t, "401", errObj["code"])
}

func TestSubscribeRequiresIDField(t *testing.T) {
	manager := push.NewManager(testConfig(), fakeAuth{}, fakeACL{canView: true})
	server := setupServer(t, manager)
	conn := dial(t, server)

	authenticate(t, conn, "u1")
	writeJSON(t, conn, map[string]string{"action": "subscribe", "resourceId": "u1", "streamType": "activity"})

	msg := readJSON(t, conn)
	errObj, ok := msg["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "400", errObj["code"])
}

func TestSubscribeToOwnResourceIsAcked(t *testing.T) {
	manager := push.NewManager(testConfig(), fakeAuth{}, fakeACL{canView: true})
	server := setupServer(t, manager)
	conn := dial(t, server)

	authenticate(t, conn, "u1")
	writeJSON(t, conn, map[string]string{"id": "req1", "action": "subscribe", "resourceId": "u1", "streamType": "activity"})

	msg := readJSON(t, conn)
	assert.Equal(t, true, msg["ack"])
	assert.Equal(t, "req1", msg["id"])

	require.Eventually(t, func() bool { return manager.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeToOthersResourceWithoutAccessIsForbidden(t *testing.T) {
	manager := push.NewManager(testConfig(), fakeAuth{}, fakeACL{canView: false})
	server := setupServer(t, manager)
	conn := dial(t, server)

	authenticate(t, conn, "u1")
	writeJSON(t, conn, map[string]string{"id": "req1", "action": "subscribe", "resourceId": "u2", "streamType": "activity"})

	msg := readJSON(t, conn)
	errObj, ok := msg["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "403", errObj["code"])
}

func TestSubscribeWithValidTokenIsAcked(t *testing.T) {
	manager := push.NewManager(testConfig(), fakeAuth{}, fakeACL{canView: false, validTokens: map[string]bool{"tok123": true}})
	server := setupServer(t, manager)
	conn := dial(t, server)

	authenticate(t, conn, "u1")
	writeJSON(t, conn, map[string]string{"id": "req1", "action": "subscribe", "resourceId": "u2", "streamType": "activity", "token": "tok123"})

	msg := readJSON(t, conn)
	assert.Equal(t, true, msg["ack"])
}

func TestDeliverRespectsSegregation(t *testing.T) {
	manager := push.NewManager(testConfig(), fakeAuth{}, fakeACL{canView: true})
	server := setupServer(t, manager)
	conn := dial(t, server)

	authenticate(t, conn, "u1")
	writeJSON(t, conn, map[string]string{"id": "req1", "action": "subscribe", "resourceId": "u1", "streamType": "activity", "format": "internal"})
	readJSON(t, conn) // ack

	// A delivery to a different resourceId must not reach this subscription.
	manager.Deliver(context.Background(), "u2", "activity", "internal", push.Entry{ActivityID: "act1"}, 1)
	// A delivery on the subscribed resource/stream/format must reach it.
	manager.Deliver(context.Background(), "u1", "activity", "internal", push.Entry{ActivityID: "act2"}, 1)

	msg := readJSON(t, conn)
	activities, ok := msg["activities"].([]any)
	require.True(t, ok)
	require.Len(t, activities, 1)
	first := activities[0].(map[string]any)
	assert.Equal(t, "act2", first["activityId"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	manager := push.NewManager(testConfig(), fakeAuth{}, fakeACL{canView: true})
	server := setupServer(t, manager)
	conn := dial(t, server)

	authenticate(t, conn, "u1")
	writeJSON(t, conn, map[string]string{"id": "req1", "action": "subscribe", "resourceId": "u1", "streamType": "activity", "format": "internal"})
	readJSON(t, conn) // ack

	writeJSON(t, conn, map[string]string{"id": "req2", "action": "unsubscribe", "resourceId": "u1", "streamType": "activity", "format": "internal"})
	msg := readJSON(t, conn)
	assert.Equal(t, true, msg["ack"])

	manager.Deliver(context.Background(), "u1", "activity", "internal", push.Entry{ActivityID: "act1"}, 1)

	// Nothing further should arrive; closing the connection unblocks the read.
	conn.Close(websocket.StatusNormalClosure, "")
}
