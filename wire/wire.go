// Package wire defines the JSON command envelopes exchanged over a framed
// connection: the relay (comm-server) protocol and the peer handshake
// protocol. Every message is a small tagged struct carrying a "command"
// field a receiver switches on before unmarshaling the rest.
package wire

import "encoding/json"

// Relay protocol commands (listener side).
const (
	CmdRegister                = "register"
	CmdAuthenticationRequest   = "authentication_request"
	CmdAuthenticationResponse  = "authentication_response"
	CmdConnectionHandover      = "connection_handover"
	CmdCommPing                = "comm_ping"
	CmdCommPong                = "comm_pong"
)

// Peer handshake commands.
const (
	CmdCommunicationRequest = "communication_request"
	CmdCommunicationReady   = "communication_ready"
	CmdTemporaryKeys        = "temporary_keys"
	CmdConnectionGroupName  = "connection_group_name"
	CmdSynchronisation      = "synchronisation"
	CmdKeysObject           = "keys_object"
	CmdPersonIdObject       = "person_id_object"
	CmdChallenge            = "challenge"
	CmdChallengeResponse    = "challenge_response"
)

// Envelope is the minimal shape every control message shares: a command tag
// plus whatever fields that command defines. Decode into a concrete type
// with json.Unmarshal of the original bytes once Command has been switched
// on.
type Envelope struct {
	Command string `json:"command"`
}

// PeekCommand extracts just the command tag from a raw JSON frame, so the
// caller can decide which concrete type to unmarshal into next.
func PeekCommand(raw []byte) (string, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", err
	}
	return e.Command, nil
}

// --- relay protocol ---

// Register is sent by the listener to claim a public key with the relay.
type Register struct {
	Command   string `json:"command"`
	PublicKey string `json:"publicKey"` // hex
}

func NewRegister(publicKeyHex string) Register {
	return Register{Command: CmdRegister, PublicKey: publicKeyHex}
}

// AuthenticationRequest is sent by the relay with a challenge the listener
// must prove possession of its private key against.
type AuthenticationRequest struct {
	Command   string `json:"command"`
	Challenge string `json:"challenge"` // base64
	PublicKey string `json:"publicKey"` // relay ephemeral, hex
}

// AuthenticationResponse is the listener's proof: decrypt(challenge),
// bit-invert, re-encrypt under the relay's ephemeral key.
type AuthenticationResponse struct {
	Command  string `json:"command"`
	Response string `json:"response"` // base64
}

func NewAuthenticationResponse(responseB64 string) AuthenticationResponse {
	return AuthenticationResponse{Command: CmdAuthenticationResponse, Response: responseB64}
}

// ConnectionHandover signals the relay has bridged this socket to a peer;
// from this point on raw peer frames flow.
type ConnectionHandover struct {
	Command string `json:"command"`
}

// Ping and Pong are the relay's keep-alive frames while a registration is
// waiting for a peer.
type Ping struct {
	Command string `json:"command"`
}

func NewPing() Ping { return Ping{Command: CmdCommPing} }

type Pong struct {
	Command string `json:"command"`
}

// --- peer handshake ---

// CommunicationRequest opens sub-protocol (a): each side announces its
// long-term public encryption key and the target key it expects to reach.
type CommunicationRequest struct {
	Command         string `json:"command"`
	SourcePublicKey string `json:"sourcePublicKey"` // hex
	TargetPublicKey string `json:"targetPublicKey"` // hex
	ProtocolVersion string `json:"protocolVersion"`
}

// CommunicationReady is each side's verdict on the peer's CommunicationRequest.
type CommunicationReady struct {
	Command string `json:"command"`
	Ready   bool   `json:"ready"`
	Reason  string `json:"reason,omitempty"`
}

// TemporaryKeys carries an ephemeral public key encrypted under the peer's
// long-term public key, used to derive the session key.
type TemporaryKeys struct {
	Command           string `json:"command"`
	EncryptedEphemeral string `json:"encryptedEphemeral"` // base64
}

// ConnectionGroupName carries the logical channel name; the initiator's
// choice wins sub-protocol (b).
type ConnectionGroupName struct {
	Command string `json:"command"`
	Name    string `json:"name"`
}

// Synchronisation is the one-byte-equivalent sync barrier of sub-protocol
// (c): both sides exchange a success token before the initiator announces
// success upstream.
type Synchronisation struct {
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// KeysObject carries a peer's latest Keys record, as JSON fields rather than
// an opaque blob so the acceptor can validate the owner reference.
type KeysObject struct {
	Command              string `json:"command"`
	OwnerPersonID         string `json:"ownerPersonId"`
	PublicEncryptionKey   string `json:"publicEncryptionKey"` // hex
	PublicSigningKey      string `json:"publicSigningKey"`    // hex, raw 32-byte key
}

// PersonIdObject carries a peer's stable PersonId.
type PersonIdObject struct {
	Command  string `json:"command"`
	PersonID string `json:"personId"`
}

// Challenge carries a sealed random nonce the recipient must decrypt,
// bit-invert, and return in a ChallengeResponse to prove key possession.
type Challenge struct {
	Command string `json:"command"`
	Nonce   string `json:"nonce"` // base64, sealed
}

func NewChallenge(nonceB64 string) Challenge { return Challenge{Command: CmdChallenge, Nonce: nonceB64} }

// ChallengeResponse is the bit-inverted, re-sealed reply to a Challenge.
type ChallengeResponse struct {
	Command  string `json:"command"`
	Response string `json:"response"` // base64, sealed
}

func NewChallengeResponse(responseB64 string) ChallengeResponse {
	return ChallengeResponse{Command: CmdChallengeResponse, Response: responseB64}
}

func Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func Unmarshal(raw []byte, v any) error { return json.Unmarshal(raw, v) }
