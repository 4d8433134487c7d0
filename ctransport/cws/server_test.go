package cws_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gordian-engine/coop/cconn"
	"github.com/gordian-engine/coop/cpacket"
	"github.com/gordian-engine/coop/ctransport"
	"github.com/gordian-engine/coop/ctransport/cws"
	"github.com/gordian-engine/coop/cwire"
	"github.com/gordian-engine/coop/internal/ctest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// chanReceiver forwards every callback to a channel.
type chanReceiver struct {
	ConnectedCh    chan cconn.ID
	PacketCh       chan cpacket.Packet
	DisconnectedCh chan cconn.ID
}

func newChanReceiver() *chanReceiver {
	return &chanReceiver{
		ConnectedCh:    make(chan cconn.ID, 4),
		PacketCh:       make(chan cpacket.Packet, 16),
		DisconnectedCh: make(chan cconn.ID, 4),
	}
}

func (r *chanReceiver) Connected(id cconn.ID)    { r.ConnectedCh <- id }
func (r *chanReceiver) Disconnected(id cconn.ID) { r.DisconnectedCh <- id }
func (r *chanReceiver) Receive(_ context.Context, p cpacket.Packet) {
	r.PacketCh <- p
}

func startServer(t *testing.T, cfg cws.ServerConfig) (*cws.Server, *chanReceiver, string) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	r := newChanReceiver()
	s := cws.NewServer(ctx, ctest.NewLogger(t), r, cfg)

	hs := httptest.NewServer(s)
	t.Cleanup(func() {
		cancel()
		s.Wait()
		hs.Close()
	})

	return s, r, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		if resp != nil {
			_ = resp.Body.Close()
		}
	})
	return c
}

func TestServer_roundTrip(t *testing.T) {
	t.Parallel()

	s, r, url := startServer(t, cws.ServerConfig{})
	client := dial(t, url)

	id := ctest.ReceiveSoon(t, r.ConnectedCh)

	// Inbound frames arrive in the Connecting state until the session says otherwise.
	hello := cwire.EncodeFrame(cpacket.TypeHello, cwire.AppendHello(nil, cwire.Hello{
		Version: cwire.ProtocolVersion, Name: "c1",
	}))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, hello))

	p := ctest.ReceiveSoon(t, r.PacketCh)
	require.Equal(t, id, p.Conn)
	require.Equal(t, cconn.StateConnecting, p.State)
	require.Equal(t, cpacket.TypeHello, p.Type)

	s.SetState(id, cconn.StateConnected)

	require.NoError(t, client.WriteMessage(
		websocket.BinaryMessage,
		cwire.EncodeFrame(cpacket.TypeTickReport, cwire.AppendTickReport(nil, 3)),
	))
	p = ctest.ReceiveSoon(t, r.PacketCh)
	require.Equal(t, cconn.StateConnected, p.State)

	// Outbound.
	frame := cwire.EncodeFrame(cpacket.TypeCallAck, cwire.AppendAck(nil, 9))
	require.NoError(t, s.Send(id, frame))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(ctest.ScaleDuration)))
	mt, got, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	require.Equal(t, frame, got)
}

func TestServer_ignoresTextAndMalformedFrames(t *testing.T) {
	t.Parallel()

	_, r, url := startServer(t, cws.ServerConfig{})
	client := dial(t, url)
	_ = ctest.ReceiveSoon(t, r.ConnectedCh)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hi")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1}))

	// A valid frame after the bad ones still arrives.
	require.NoError(t, client.WriteMessage(
		websocket.BinaryMessage,
		cwire.EncodeFrame(cpacket.TypeCallAck, cwire.AppendAck(nil, 1)),
	))
	p := ctest.ReceiveSoon(t, r.PacketCh)
	require.Equal(t, cpacket.TypeCallAck, p.Type)
	ctest.NotSending(t, r.DisconnectedCh)
}

func TestServer_clientClose(t *testing.T) {
	t.Parallel()

	s, r, url := startServer(t, cws.ServerConfig{})
	client := dial(t, url)
	id := ctest.ReceiveSoon(t, r.ConnectedCh)

	require.NoError(t, client.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	))
	require.NoError(t, client.Close())

	require.Equal(t, id, ctest.ReceiveSoon(t, r.DisconnectedCh))

	require.ErrorIs(t, s.Send(id, []byte{1, 0}), ctransport.ErrUnknownConnection)
}

func TestServer_Disconnect(t *testing.T) {
	t.Parallel()

	s, r, url := startServer(t, cws.ServerConfig{})
	client := dial(t, url)
	id := ctest.ReceiveSoon(t, r.ConnectedCh)

	require.NoError(t, s.Disconnect(id, "kicked"))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(ctest.ScaleDuration)))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, "kicked", closeErr.Text)

	require.Equal(t, id, ctest.ReceiveSoon(t, r.DisconnectedCh))

	require.ErrorIs(t, s.Disconnect(id, "again"), ctransport.ErrUnknownConnection)
}
