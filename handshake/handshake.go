// Package handshake runs the sub-protocol chain that turns a raw framed
// connection into a mutually-authenticated, confidential channel: ephemeral
// session establishment, connection-group name agreement, a sync barrier,
// and person-id/key exchange with mutual challenge-response.
package handshake

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kryptolabs/connfabric/conncore"
	"github.com/kryptolabs/connfabric/cryptosession"
	"github.com/kryptolabs/connfabric/framedconn"
	"github.com/kryptolabs/connfabric/identity"
	"github.com/kryptolabs/connfabric/wire"
)

// Config carries the key material and policy the handshake needs. On the
// accepting side AllowedKeys is the set of local instance public keys this
// raw connection may be addressed to (a direct listener's current subscriber
// set, or the single key a relay registration was opened for). On the
// initiating side it holds the remote instance key being dialled, which is
// sent as targetPublicKey. Each side checks the peer's declared
// targetPublicKey against its own AllowedKeys.
type Config struct {
	InstanceKeys     cryptosession.KeyPair
	PersonKeys       cryptosession.KeyPair
	LocalPersonID    identity.PersonID
	AllowedKeys      [][32]byte
	ExpectedRemoteID identity.PersonID // optional
	KeyStore         identity.KeyStore
	SkipKeyCompare   bool
	Timeout          time.Duration

	// SuppressTemporaryKeys skips the ephemeral session-key exchange and
	// leaves the connection's encryption plugin stack untouched. Set by a
	// caller that is re-authenticating an already-confidential channel
	// (e.g. a take-over reconnect between two instances of the same
	// person) rather than establishing a fresh one.
	SuppressTemporaryKeys bool
}

// Result is what a completed handshake hands to the route manager.
type Result struct {
	GroupName         string
	RemoteInstanceKey [32]byte
	RemotePersonID    identity.PersonID
	RemoteKeys        identity.Keys
	IsNew             bool
}

func targetContains(keys [][32]byte, target string) bool {
	for _, k := range keys {
		if hex.EncodeToString(k[:]) == target {
			return true
		}
	}
	return false
}

// Run drives the full chain over conn. initiatedLocally and groupName are
// set by the caller that dialed out; an accepting side passes
// initiatedLocally=false and an empty groupName.
func Run(ctx context.Context, conn *framedconn.Connection, cfg Config, initiatedLocally bool, groupName string) (Result, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	finalGroup, remoteInstanceKey, err := exchangeKeysAndGroup(ctx, conn, cfg, initiatedLocally, groupName)
	if err != nil {
		conn.Close(err)
		return Result{}, err
	}

	if err := syncBarrier(ctx, conn); err != nil {
		conn.Close(err)
		return Result{}, err
	}

	res, err := exchangeIdentity(ctx, conn, cfg, initiatedLocally)
	if err != nil {
		conn.Close(err)
		return Result{}, err
	}
	res.GroupName = finalGroup
	res.RemoteInstanceKey = remoteInstanceKey
	return res, nil
}

// exchangeKeysAndGroup runs sub-protocols (a) and (b): long-term key
// exchange plus ephemeral session establishment, then connection-group
// name agreement. On success it installs the EncryptionPlugin.
func exchangeKeysAndGroup(ctx context.Context, conn *framedconn.Connection, cfg Config, initiatedLocally bool, groupName string) (string, [32]byte, error) {
	ownInstancePubHex := hex.EncodeToString(cfg.InstanceKeys.Public[:])
	targetPubHex := ownInstancePubHex
	if initiatedLocally && len(cfg.AllowedKeys) == 1 {
		targetPubHex = hex.EncodeToString(cfg.AllowedKeys[0][:])
	}
	req := wire.CommunicationRequest{
		Command:         wire.CmdCommunicationRequest,
		SourcePublicKey: ownInstancePubHex,
		TargetPublicKey: targetPubHex,
		ProtocolVersion: "1",
	}
	if err := conn.SendJSON(req); err != nil {
		return "", [32]byte{}, conncore.Wrap(conncore.KindTransportClosed, err)
	}

	var peerReq wire.CommunicationRequest
	if err := conn.WaitForJSONMessage(ctx, wire.CmdCommunicationRequest, &peerReq); err != nil {
		return "", [32]byte{}, err
	}

	allowed := len(cfg.AllowedKeys) == 0 || targetContains(cfg.AllowedKeys, peerReq.TargetPublicKey)
	ready := wire.CommunicationReady{Command: wire.CmdCommunicationReady, Ready: allowed}
	if !allowed {
		ready.Reason = "target key not in allowed set"
	}
	if err := conn.SendJSON(ready); err != nil {
		return "", [32]byte{}, conncore.Wrap(conncore.KindTransportClosed, err)
	}
	var peerReady wire.CommunicationReady
	if err := conn.WaitForJSONMessage(ctx, wire.CmdCommunicationReady, &peerReady); err != nil {
		return "", [32]byte{}, err
	}
	if !allowed || !peerReady.Ready {
		return "", [32]byte{}, conncore.Wrap(conncore.KindRejected, fmt.Errorf("handshake: communication_ready=false"))
	}

	peerInstancePubRaw, err := hex.DecodeString(peerReq.SourcePublicKey)
	if err != nil || len(peerInstancePubRaw) != cryptosession.KeySize {
		return "", [32]byte{}, conncore.Wrap(conncore.KindProtocolViolation, fmt.Errorf("handshake: bad sourcePublicKey"))
	}
	var peerInstancePub [32]byte
	copy(peerInstancePub[:], peerInstancePubRaw)

	if cfg.SuppressTemporaryKeys {
		finalGroup, err := exchangeGroupName(ctx, conn, initiatedLocally, groupName)
		if err != nil {
			return "", [32]byte{}, err
		}
		return finalGroup, peerInstancePub, nil
	}

	ephemeral, err := cryptosession.GenerateKeyPair()
	if err != nil {
		return "", [32]byte{}, conncore.Wrap(conncore.KindInternalError, err)
	}
	encryptedEphemeral, err := cryptosession.Seal(ephemeral.Public[:], peerInstancePub, cfg.InstanceKeys.Private)
	if err != nil {
		return "", [32]byte{}, conncore.Wrap(conncore.KindInternalError, err)
	}
	if err := conn.SendJSON(wire.TemporaryKeys{Command: wire.CmdTemporaryKeys, EncryptedEphemeral: base64.StdEncoding.EncodeToString(encryptedEphemeral)}); err != nil {
		return "", [32]byte{}, conncore.Wrap(conncore.KindTransportClosed, err)
	}
	var peerTemp wire.TemporaryKeys
	if err := conn.WaitForJSONMessage(ctx, wire.CmdTemporaryKeys, &peerTemp); err != nil {
		return "", [32]byte{}, err
	}
	peerEncEphemeral, err := base64.StdEncoding.DecodeString(peerTemp.EncryptedEphemeral)
	if err != nil {
		return "", [32]byte{}, conncore.Wrap(conncore.KindProtocolViolation, err)
	}
	peerEphemeralRaw, err := cryptosession.Open(peerEncEphemeral, peerInstancePub, cfg.InstanceKeys.Private)
	if err != nil || len(peerEphemeralRaw) != cryptosession.KeySize {
		return "", [32]byte{}, conncore.Wrap(conncore.KindAuthFailed, fmt.Errorf("handshake: could not open temporary_keys"))
	}
	var peerEphemeralPub [32]byte
	copy(peerEphemeralPub[:], peerEphemeralRaw)

	sessionKey := cryptosession.DeriveSessionKey(peerEphemeralPub, ephemeral.Private)
	var outParity, inParity byte
	if initiatedLocally {
		outParity, inParity = 0, 1
	} else {
		outParity, inParity = 1, 0
	}
	outCipher := cryptosession.NewDirectionalCipher(sessionKey, outParity)
	inCipher := cryptosession.NewDirectionalCipher(sessionKey, inParity)
	conn.AddPlugin(framedconn.NewEncryptionPlugin(outCipher, inCipher))

	finalGroup, err := exchangeGroupName(ctx, conn, initiatedLocally, groupName)
	if err != nil {
		return "", [32]byte{}, err
	}
	return finalGroup, peerInstancePub, nil
}

// exchangeGroupName runs sub-protocol (b): the initiator's choice of
// connection-group name wins; the acceptor echoes it back.
func exchangeGroupName(ctx context.Context, conn *framedconn.Connection, initiatedLocally bool, groupName string) (string, error) {
	if initiatedLocally {
		if err := conn.SendJSON(wire.ConnectionGroupName{Command: wire.CmdConnectionGroupName, Name: groupName}); err != nil {
			return "", conncore.Wrap(conncore.KindTransportClosed, err)
		}
		var echoed wire.ConnectionGroupName
		if err := conn.WaitForJSONMessage(ctx, wire.CmdConnectionGroupName, &echoed); err != nil {
			return "", err
		}
		return groupName, nil
	}
	var peerName wire.ConnectionGroupName
	if err := conn.WaitForJSONMessage(ctx, wire.CmdConnectionGroupName, &peerName); err != nil {
		return "", err
	}
	if err := conn.SendJSON(wire.ConnectionGroupName{Command: wire.CmdConnectionGroupName, Name: peerName.Name}); err != nil {
		return "", conncore.Wrap(conncore.KindTransportClosed, err)
	}
	return peerName.Name, nil
}

// syncBarrier runs sub-protocol (c): both sides exchange a success token so
// the acceptor can abort before the initiator announces success upstream.
func syncBarrier(ctx context.Context, conn *framedconn.Connection) error {
	if err := conn.SendJSON(wire.Synchronisation{Command: wire.CmdSynchronisation, Success: true}); err != nil {
		return conncore.Wrap(conncore.KindTransportClosed, err)
	}
	var peer wire.Synchronisation
	if err := conn.WaitForJSONMessage(ctx, wire.CmdSynchronisation, &peer); err != nil {
		return err
	}
	if !peer.Success {
		return conncore.Wrap(conncore.KindRejected, fmt.Errorf("handshake: peer aborted sync barrier"))
	}
	return nil
}

// exchangeIdentity runs sub-protocol (d): person-id and key exchange with
// mutual challenge-response, plus the key-continuity check.
func exchangeIdentity(ctx context.Context, conn *framedconn.Connection, cfg Config, initiatedLocally bool) (Result, error) {
	if err := conn.SendJSON(wire.PersonIdObject{Command: wire.CmdPersonIdObject, PersonID: string(cfg.LocalPersonID)}); err != nil {
		return Result{}, conncore.Wrap(conncore.KindTransportClosed, err)
	}
	var peerID wire.PersonIdObject
	if err := conn.WaitForJSONMessage(ctx, wire.CmdPersonIdObject, &peerID); err != nil {
		return Result{}, err
	}
	remotePersonID := identity.PersonID(peerID.PersonID)
	if cfg.ExpectedRemoteID != "" && remotePersonID != cfg.ExpectedRemoteID {
		return Result{}, conncore.Wrap(conncore.KindRejected, fmt.Errorf("handshake: unexpected remote person id"))
	}

	ownKeys := wire.KeysObject{
		Command:             wire.CmdKeysObject,
		OwnerPersonID:       string(cfg.LocalPersonID),
		PublicEncryptionKey: hex.EncodeToString(cfg.InstanceKeys.Public[:]),
		PublicSigningKey:    hex.EncodeToString(cfg.PersonKeys.Public[:]),
	}
	if err := conn.SendJSON(ownKeys); err != nil {
		return Result{}, conncore.Wrap(conncore.KindTransportClosed, err)
	}
	var peerKeys wire.KeysObject
	if err := conn.WaitForJSONMessage(ctx, wire.CmdKeysObject, &peerKeys); err != nil {
		return Result{}, err
	}
	if peerKeys.OwnerPersonID != string(remotePersonID) {
		return Result{}, conncore.Wrap(conncore.KindProtocolViolation, fmt.Errorf("handshake: keys_object owner mismatch"))
	}
	peerEncPub, err := hex.DecodeString(peerKeys.PublicEncryptionKey)
	if err != nil || len(peerEncPub) != cryptosession.KeySize {
		return Result{}, conncore.Wrap(conncore.KindProtocolViolation, fmt.Errorf("handshake: bad publicEncryptionKey"))
	}
	peerSignPub, err := hex.DecodeString(peerKeys.PublicSigningKey)
	if err != nil || len(peerSignPub) != cryptosession.KeySize {
		return Result{}, conncore.Wrap(conncore.KindProtocolViolation, fmt.Errorf("handshake: bad publicSigningKey"))
	}
	var peerPersonPub [32]byte
	copy(peerPersonPub[:], peerSignPub)

	remoteKeys := identity.Keys{
		OwnerPersonID:       remotePersonID,
		PublicEncryptionKey: peerEncPub,
		PublicSigningKey:    peerSignPub,
	}

	isNew := false
	if stored, found, err := cfg.KeyStore.Latest(remotePersonID); err != nil {
		return Result{}, conncore.Wrap(conncore.KindInternalError, err)
	} else if found {
		if !cfg.SkipKeyCompare && !stored.Equal(remoteKeys) {
			return Result{}, conncore.Wrap(conncore.KindKeyMismatch, fmt.Errorf("handshake: stored key for %s does not match presented key", remotePersonID))
		}
	} else {
		if err := cfg.KeyStore.StoreNew(remotePersonID, remoteKeys); err != nil {
			return Result{}, conncore.Wrap(conncore.KindInternalError, err)
		}
		isNew = true
	}

	if initiatedLocally {
		if err := challengeAndVerify(ctx, conn, cfg.PersonKeys, peerPersonPub); err != nil {
			return Result{}, err
		}
		if err := respondToChallenge(ctx, conn, cfg.PersonKeys, peerPersonPub); err != nil {
			return Result{}, err
		}
	} else {
		if err := respondToChallenge(ctx, conn, cfg.PersonKeys, peerPersonPub); err != nil {
			return Result{}, err
		}
		if err := challengeAndVerify(ctx, conn, cfg.PersonKeys, peerPersonPub); err != nil {
			return Result{}, err
		}
	}

	return Result{RemotePersonID: remotePersonID, RemoteKeys: remoteKeys, IsNew: isNew}, nil
}

// challengeAndVerify issues a challenge to the peer and verifies the reply
// proves possession of the person private key matching peerPersonPub.
func challengeAndVerify(ctx context.Context, conn *framedconn.Connection, ownPersonKeys cryptosession.KeyPair, peerPersonPub [32]byte) error {
	nonce, err := cryptosession.RandomBytes(64)
	if err != nil {
		return conncore.Wrap(conncore.KindInternalError, err)
	}
	sealed, err := cryptosession.SealAnonymous(nonce, peerPersonPub)
	if err != nil {
		return conncore.Wrap(conncore.KindInternalError, err)
	}
	if err := conn.SendJSON(wire.NewChallenge(base64.StdEncoding.EncodeToString(sealed))); err != nil {
		return conncore.Wrap(conncore.KindTransportClosed, err)
	}
	var resp wire.ChallengeResponse
	if err := conn.WaitForJSONMessage(ctx, wire.CmdChallengeResponse, &resp); err != nil {
		return err
	}
	respCT, err := base64.StdEncoding.DecodeString(resp.Response)
	if err != nil {
		return conncore.Wrap(conncore.KindProtocolViolation, err)
	}
	plain, err := cryptosession.OpenAnonymous(respCT, ownPersonKeys.Public, ownPersonKeys.Private)
	if err != nil {
		return conncore.Wrap(conncore.KindAuthFailed, err)
	}
	if !cryptosession.ConstantTimeEqual(plain, cryptosession.BitInvert(nonce)) {
		return conncore.Wrap(conncore.KindAuthFailed, fmt.Errorf("handshake: challenge response mismatch"))
	}
	return nil
}

// respondToChallenge answers a Challenge from the peer by decrypting it,
// inverting it, and sealing the result back for the peer's person key.
func respondToChallenge(ctx context.Context, conn *framedconn.Connection, ownPersonKeys cryptosession.KeyPair, peerPersonPub [32]byte) error {
	var ch wire.Challenge
	if err := conn.WaitForJSONMessage(ctx, wire.CmdChallenge, &ch); err != nil {
		return err
	}
	ct, err := base64.StdEncoding.DecodeString(ch.Nonce)
	if err != nil {
		return conncore.Wrap(conncore.KindProtocolViolation, err)
	}
	plain, err := cryptosession.OpenAnonymous(ct, ownPersonKeys.Public, ownPersonKeys.Private)
	if err != nil {
		return conncore.Wrap(conncore.KindAuthFailed, err)
	}
	resealed, err := cryptosession.SealAnonymous(cryptosession.BitInvert(plain), peerPersonPub)
	if err != nil {
		return conncore.Wrap(conncore.KindInternalError, err)
	}
	if err := conn.SendJSON(wire.NewChallengeResponse(base64.StdEncoding.EncodeToString(resealed))); err != nil {
		return conncore.Wrap(conncore.KindTransportClosed, err)
	}
	return nil
}
