package framedconn

import "github.com/kryptolabs/connfabric/cryptosession"

// EncryptionPlugin transparently wraps outgoing frames and unwraps incoming
// ones with the session's per-direction symmetric cipher, once the
// handshake has derived a shared session key. Installed outermost (closest
// to the wire) so every other plugin's output is encrypted before it
// leaves the stack.
type EncryptionPlugin struct {
	out *cryptosession.DirectionalCipher
	in  *cryptosession.DirectionalCipher
}

// NewEncryptionPlugin builds the plugin from the two directional ciphers
// derived via cryptosession.DeriveSessionKey — one for encrypting this
// side's outgoing frames, one for decrypting the peer's incoming frames.
func NewEncryptionPlugin(out, in *cryptosession.DirectionalCipher) *EncryptionPlugin {
	return &EncryptionPlugin{out: out, in: in}
}

func (*EncryptionPlugin) Name() string { return "encryption" }

func (p *EncryptionPlugin) TransformOutgoing(frame []byte) ([]byte, error) {
	return p.out.Seal(frame), nil
}

func (p *EncryptionPlugin) TransformIncoming(frame []byte) ([]byte, bool, error) {
	m, err := p.in.Open(frame)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}
