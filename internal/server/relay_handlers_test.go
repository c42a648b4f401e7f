package server

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairdesk/internal/constants"
	"pairdesk/internal/relay"
	"pairdesk/internal/utils"
)

func TestWebSocketRelay(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	gen := f.generate(t)
	wsURL := func(q url.Values) string {
		return utils.ConstructWSURL(ts.URL, constants.EndpointWebSocket+gen.Code, q)
	}
	dial := func(q url.Values) (*relay.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return relay.Dial(ctx, wsURL(q), relay.DialOptions{})
	}

	_, err := dial(url.Values{"role": {"host"}, "hostId": {"wrong"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	_, err = dial(url.Values{"role": {"observer"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	_, err = dial(url.Values{"role": {"client"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	host, err := dial(url.Values{"role": {"host"}, "hostId": {gen.HostID}})
	require.NoError(t, err)
	defer host.Close()

	joined := f.join(t, gen.Code)
	token := f.token(t, gen.Code)

	_, err = dial(url.Values{"role": {"client"}, "token": {token}, "clientId": {"someone-else"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	client, err := dial(url.Values{"role": {"client"}, "token": {token}, "clientId": {joined.ClientID}})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, err := host.AwaitPeer(ctx)
	require.NoError(t, err)
	assert.Equal(t, relay.RoleClient, msg.Role)
	msg, err = client.AwaitPeer(ctx)
	require.NoError(t, err)
	assert.Equal(t, relay.RoleHost, msg.Role)

	_, err = host.Write([]byte("frame"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(buf[:n]))
}
