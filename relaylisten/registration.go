// Package relaylisten implements the relay listener: for one
// (relayURL, localInstanceKey) pair, it keeps a configured pool of spare
// registrations alive against a rendezvous relay, each running the
// register -> authenticate -> wait-for-handover protocol, with jittered
// reconnect backoff on failure.
package relaylisten

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/kryptolabs/connfabric/conncore"
	"github.com/kryptolabs/connfabric/cryptosession"
	"github.com/kryptolabs/connfabric/framedconn"
	"github.com/kryptolabs/connfabric/fsm"
	"github.com/kryptolabs/connfabric/wire"
	"github.com/kryptolabs/connfabric/wsconn"
	"github.com/op/go-logging"
)

// PeerHandoff is delivered once a registration's relay socket has handed
// over a peer: the register/authentication exchange is complete, leaving a
// raw framed connection the caller (normally the handshake and route
// manager glue) authenticates and accepts.
type PeerHandoff struct {
	Conn     *framedconn.Connection
	LocalKey [32]byte
}

// registration drives one spare socket through NotListening -> Connecting ->
// Listening -> Handover, or back to NotListening on failure.
type registration struct {
	log         *logging.Logger
	relayURL    string
	localKey    cryptosession.KeyPair
	reconnectIv time.Duration
	onHandoff   func(PeerHandoff)

	machine *fsm.Machine
}

func newRegistration(relayURL string, localKey cryptosession.KeyPair, reconnectIv time.Duration, log *logging.Logger, onHandoff func(PeerHandoff)) *registration {
	m := fsm.New("root")
	for _, s := range []string{"NotListening", "Connecting", "Listening", "Handover"} {
		_ = m.AddState(s, "")
	}
	_ = m.SetInitialState("", "NotListening")
	_ = m.AddTransition("connect", "NotListening", "Connecting", fsm.HistoryNone)
	_ = m.AddTransition("registered", "Connecting", "Listening", fsm.HistoryNone)
	_ = m.AddTransition("handover", "Listening", "Handover", fsm.HistoryNone)
	_ = m.AddTransition("fail", "Connecting", "NotListening", fsm.HistoryNone)
	_ = m.AddTransition("fail", "Listening", "NotListening", fsm.HistoryNone)
	_ = m.Start()

	return &registration{
		log:         log,
		relayURL:    relayURL,
		localKey:    localKey,
		reconnectIv: reconnectIv,
		onHandoff:   onHandoff,
		machine:     m,
	}
}

func (r *registration) isListening() bool {
	return r.machine.Current() == "Listening"
}

// run drives one attempt after another until either a peer is handed off
// (it returns, so the caller can start a fresh registration in its place)
// or ctx is cancelled.
func (r *registration) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.attempt(ctx); err == nil {
			return
		} else {
			_, _ = r.machine.Fire("fail")
			if ctx.Err() != nil {
				return
			}
			r.log.Warning("relay registration failed, retrying:", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(conncore.Jitter(r.reconnectIv)):
		}
	}
}

func (r *registration) attempt(ctx context.Context) error {
	_, _ = r.machine.Fire("connect")

	ws, err := wsconn.Dial(r.relayURL, nil)
	if err != nil {
		return err
	}
	conn := framedconn.New(ws, r.log)

	if err := conn.SendJSON(wire.NewRegister(hex.EncodeToString(r.localKey.Public[:]))); err != nil {
		conn.Close(err)
		return err
	}

	var authReq wire.AuthenticationRequest
	if err := conn.WaitForJSONMessage(ctx, wire.CmdAuthenticationRequest, &authReq); err != nil {
		conn.Close(err)
		return err
	}

	challenge, err := base64.StdEncoding.DecodeString(authReq.Challenge)
	if err != nil {
		conn.Close(err)
		return err
	}
	relayEphemeralHex, err := hex.DecodeString(authReq.PublicKey)
	if err != nil {
		conn.Close(err)
		return err
	}
	var relayEphemeral [32]byte
	copy(relayEphemeral[:], relayEphemeralHex)

	plaintext, err := cryptosession.Open(challenge, relayEphemeral, r.localKey.Private)
	if err != nil {
		conn.Close(conncore.Wrap(conncore.KindAuthFailed, err))
		return err
	}
	response, err := cryptosession.Seal(cryptosession.BitInvert(plaintext), relayEphemeral, r.localKey.Private)
	if err != nil {
		conn.Close(err)
		return err
	}
	if err := conn.SendJSON(wire.NewAuthenticationResponse(base64.StdEncoding.EncodeToString(response))); err != nil {
		conn.Close(err)
		return err
	}

	_, _ = r.machine.Fire("registered")

	// Wait for handover, answering the relay's keep-alive pings meanwhile.
	for {
		frame, err := conn.WaitForMessage(ctx)
		if err != nil {
			conn.Close(err)
			return err
		}
		cmd, err := wire.PeekCommand(frame)
		if err != nil {
			conn.Close(conncore.Wrap(conncore.KindProtocolViolation, err))
			return err
		}
		switch cmd {
		case wire.CmdCommPing:
			_ = conn.SendJSON(struct {
				Command string `json:"command"`
			}{Command: wire.CmdCommPong})
		case wire.CmdConnectionHandover:
			_, _ = r.machine.Fire("handover")
			r.onHandoff(PeerHandoff{Conn: conn, LocalKey: r.localKey.Public})
			return nil
		default:
			err := conncore.Wrap(conncore.KindProtocolViolation, nil)
			conn.Close(err)
			return err
		}
	}
}
