package relaylisten

import (
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kryptolabs/connfabric/connlog"
	"github.com/kryptolabs/connfabric/cryptosession"
	"github.com/kryptolabs/connfabric/framedconn"
	"github.com/kryptolabs/connfabric/wire"
	"github.com/kryptolabs/connfabric/wsconn"
	"github.com/op/go-logging"
)

// fakeRelay is a minimal stand-in for a rendezvous relay server: it accepts
// one registration, authenticates it with a challenge boxed under a relay
// ephemeral key, and
// then immediately hands it over, mimicking a relay that paired the listener
// with a peer right away.
func fakeRelay(t *testing.T, log *logging.Logger, handedOver chan<- *framedconn.Connection) *httptest.Server {
	t.Helper()
	relayEphemeral, err := cryptosession.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsconn.Upgrade(w, r)
		if err != nil {
			return
		}
		conn := framedconn.New(ws, log)

		var reg wire.Register
		if err := conn.WaitForJSONMessage(r.Context(), wire.CmdRegister, &reg); err != nil {
			conn.Close(err)
			return
		}
		listenerPubRaw, err := hex.DecodeString(reg.PublicKey)
		if err != nil || len(listenerPubRaw) != cryptosession.KeySize {
			conn.Close(nil)
			return
		}
		var listenerPub [32]byte
		copy(listenerPub[:], listenerPubRaw)

		nonce, err := cryptosession.RandomBytes(32)
		if err != nil {
			conn.Close(err)
			return
		}
		sealed, err := cryptosession.Seal(nonce, listenerPub, relayEphemeral.Private)
		if err != nil {
			conn.Close(err)
			return
		}
		req := wire.AuthenticationRequest{
			Command:   wire.CmdAuthenticationRequest,
			Challenge: base64.StdEncoding.EncodeToString(sealed),
			PublicKey: hex.EncodeToString(relayEphemeral.Public[:]),
		}
		if err := conn.SendJSON(req); err != nil {
			conn.Close(err)
			return
		}

		var resp wire.AuthenticationResponse
		if err := conn.WaitForJSONMessage(r.Context(), wire.CmdAuthenticationResponse, &resp); err != nil {
			conn.Close(err)
			return
		}
		respCT, err := base64.StdEncoding.DecodeString(resp.Response)
		if err != nil {
			conn.Close(err)
			return
		}
		plain, err := cryptosession.Open(respCT, listenerPub, relayEphemeral.Private)
		if err != nil || !cryptosession.ConstantTimeEqual(plain, cryptosession.BitInvert(nonce)) {
			conn.Close(err)
			return
		}

		if err := conn.SendJSON(wire.ConnectionHandover{Command: wire.CmdConnectionHandover}); err != nil {
			conn.Close(err)
			return
		}
		handedOver <- conn
	})
	return httptest.NewServer(mux)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestListenerCompletesHandoff(t *testing.T) {
	log := connlog.Setup("relaylisten-test", logging.CRITICAL, false)
	handedOver := make(chan *framedconn.Connection, 1)
	srv := fakeRelay(t, log, handedOver)
	defer srv.Close()

	localKey, err := cryptosession.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	handoffs := make(chan PeerHandoff, 1)
	l := New(wsURL(srv.URL), localKey, 1, 10*time.Millisecond, log, func(h PeerHandoff) {
		handoffs <- h
	})
	l.Start()
	defer l.Stop()

	select {
	case h := <-handoffs:
		if h.LocalKey != localKey.Public {
			t.Fatalf("handoff should carry the listener's own public key")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a peer handoff")
	}

	select {
	case <-handedOver:
	case <-time.After(time.Second):
		t.Fatalf("fake relay never observed a completed handover")
	}
}

func TestListenerStartStopIdempotentAgainstUnreachableRelay(t *testing.T) {
	log := connlog.Setup("relaylisten-test", logging.CRITICAL, false)
	localKey, err := cryptosession.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	l := New("ws://127.0.0.1:1/unreachable", localKey, 2, time.Millisecond, log, func(h PeerHandoff) {
		t.Fatalf("unreachable relay should never hand off a peer")
	})
	l.Start()
	l.Start() // no-op while already running
	time.Sleep(20 * time.Millisecond)
	if l.IsListening() {
		t.Fatalf("an unreachable relay should never report Listening")
	}
	l.Stop()
	l.Stop() // no-op once stopped
}
