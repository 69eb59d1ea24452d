package handshake

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kryptolabs/connfabric/connlog"
	"github.com/kryptolabs/connfabric/cryptosession"
	"github.com/kryptolabs/connfabric/framedconn"
	"github.com/kryptolabs/connfabric/identity"
	"github.com/op/go-logging"
)

type memKeyStore struct {
	mu sync.Mutex
	m  map[identity.PersonID]identity.Keys
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{m: map[identity.PersonID]identity.Keys{}}
}

func (s *memKeyStore) Latest(id identity.PersonID) (identity.Keys, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.m[id]
	return k, ok, nil
}

func (s *memKeyStore) StoreNew(id identity.PersonID, keys identity.Keys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = keys
	return nil
}

func newParty(t *testing.T) (cryptosession.KeyPair, cryptosession.KeyPair, identity.PersonID) {
	t.Helper()
	instanceKeys, err := cryptosession.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	personKeys, err := cryptosession.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return instanceKeys, personKeys, identity.DerivePersonID(personKeys.Public[:])
}

func TestRunSucceedsAndAgreesOnGroupName(t *testing.T) {
	log := connlog.Setup("handshake-test", logging.CRITICAL, false)
	store := newMemKeyStore()

	aInstance, aPerson, aID := newParty(t)
	bInstance, bPerson, bID := newParty(t)

	pa, pb := net.Pipe()
	ca := framedconn.New(pa, log)
	cb := framedconn.New(pb, log)

	cfgA := Config{InstanceKeys: aInstance, PersonKeys: aPerson, LocalPersonID: aID, KeyStore: store, Timeout: 5 * time.Second}
	cfgB := Config{InstanceKeys: bInstance, PersonKeys: bPerson, LocalPersonID: bID, KeyStore: store, Timeout: 5 * time.Second}

	var resA, resB Result
	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		resA, errA = Run(context.Background(), ca, cfgA, true, "my-group")
	}()
	go func() {
		defer wg.Done()
		resB, errB = Run(context.Background(), cb, cfgB, false, "")
	}()
	wg.Wait()

	if errA != nil {
		t.Fatalf("initiator handshake failed: %v", errA)
	}
	if errB != nil {
		t.Fatalf("acceptor handshake failed: %v", errB)
	}
	if resA.GroupName != "my-group" || resB.GroupName != "my-group" {
		t.Fatalf("expected both sides to agree on the initiator's group name, got %q / %q", resA.GroupName, resB.GroupName)
	}
	if resA.RemoteInstanceKey != bInstance.Public {
		t.Fatalf("initiator should learn the acceptor's instance key")
	}
	if resB.RemoteInstanceKey != aInstance.Public {
		t.Fatalf("acceptor should learn the initiator's instance key")
	}
	if resA.RemotePersonID != bID || resB.RemotePersonID != aID {
		t.Fatalf("both sides should learn the other's person id")
	}
	if !resA.IsNew || !resB.IsNew {
		t.Fatalf("first contact between two persons should be reported as new")
	}
}

func TestRunRejectsKeyMismatchOnSecondContact(t *testing.T) {
	log := connlog.Setup("handshake-test", logging.CRITICAL, false)
	store := newMemKeyStore()

	aInstance, aPerson, aID := newParty(t)
	bInstance, bPerson, bID := newParty(t)

	run := func() (Result, Result, error, error) {
		pa, pb := net.Pipe()
		ca := framedconn.New(pa, log)
		cb := framedconn.New(pb, log)
		cfgA := Config{InstanceKeys: aInstance, PersonKeys: aPerson, LocalPersonID: aID, KeyStore: store, Timeout: 5 * time.Second}
		cfgB := Config{InstanceKeys: bInstance, PersonKeys: bPerson, LocalPersonID: bID, KeyStore: store, Timeout: 5 * time.Second}
		var resA, resB Result
		var errA, errB error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); resA, errA = Run(context.Background(), ca, cfgA, true, "g") }()
		go func() { defer wg.Done(); resB, errB = Run(context.Background(), cb, cfgB, false, "") }()
		wg.Wait()
		return resA, resB, errA, errB
	}

	if _, _, errA, errB := run(); errA != nil || errB != nil {
		t.Fatalf("first contact should succeed: %v / %v", errA, errB)
	}

	// B now reappears under the same person id but freshly generated (and
	// therefore different) keys: a forged key-continuity break.
	bInstance2, _, _ := newParty(t)
	pa, pb := net.Pipe()
	ca := framedconn.New(pa, log)
	cb := framedconn.New(pb, log)
	// Re-use bID (same owner person id) but a new signing key, matching the
	// stored record's identity while breaking its key material.
	newSigningKeys, err := cryptosession.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cfgA := Config{InstanceKeys: aInstance, PersonKeys: aPerson, LocalPersonID: aID, KeyStore: store, Timeout: 5 * time.Second}
	cfgB := Config{InstanceKeys: bInstance2, PersonKeys: newSigningKeys, LocalPersonID: bID, KeyStore: store, Timeout: 5 * time.Second}

	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, errA = Run(context.Background(), ca, cfgA, true, "g") }()
	go func() { defer wg.Done(); _, errB = Run(context.Background(), cb, cfgB, false, "") }()
	wg.Wait()

	if errA == nil {
		t.Fatalf("expected initiator to reject a changed key for a known person id")
	}
}

func TestRunSuppressTemporaryKeysCompletesHandshake(t *testing.T) {
	log := connlog.Setup("handshake-test", logging.CRITICAL, false)
	store := newMemKeyStore()

	aInstance, aPerson, aID := newParty(t)
	bInstance, bPerson, bID := newParty(t)

	pa, pb := net.Pipe()
	ca := framedconn.New(pa, log)
	cb := framedconn.New(pb, log)

	cfgA := Config{InstanceKeys: aInstance, PersonKeys: aPerson, LocalPersonID: aID, KeyStore: store, Timeout: 5 * time.Second, SuppressTemporaryKeys: true}
	cfgB := Config{InstanceKeys: bInstance, PersonKeys: bPerson, LocalPersonID: bID, KeyStore: store, Timeout: 5 * time.Second, SuppressTemporaryKeys: true}

	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, errA = Run(context.Background(), ca, cfgA, true, "take-over") }()
	go func() { defer wg.Done(); _, errB = Run(context.Background(), cb, cfgB, false, "") }()
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("suppressed-temporary-keys handshake failed: %v / %v", errA, errB)
	}
}
