// Package identity holds the data model the handshake authenticates
// against: PersonId/InstanceId, Keys records, the KeyStore read/write
// interface, and the persisted LocalInstancesList singleton. Persistence
// is JSON-on-disk with no ORM, guarded by an in-memory cache.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// PersonID stably identifies a person, derived from their signing key.
type PersonID string

// InstanceID stably identifies one running node, owned by a PersonID.
type InstanceID string

// NewInstanceID mints a fresh random instance identifier.
func NewInstanceID() InstanceID {
	return InstanceID(uuid.NewString())
}

// DerivePersonID derives a stable id from a person's public signing key via
// SHA-256, truncated to 16 bytes and hex-encoded.
func DerivePersonID(publicSigningKey []byte) PersonID {
	digest := sha256.Sum256(publicSigningKey)
	return PersonID(hex.EncodeToString(digest[:16]))
}

// Keys is the latest public key material for a Person or an Instance.
type Keys struct {
	OwnerPersonID       PersonID `json:"ownerPersonId"`
	PublicEncryptionKey []byte   `json:"publicEncryptionKey"`
	PublicSigningKey    []byte   `json:"publicSigningKey"`
}

// Equal reports whether two Keys records carry identical key material.
func (k Keys) Equal(other Keys) bool {
	return string(k.PublicEncryptionKey) == string(other.PublicEncryptionKey) &&
		string(k.PublicSigningKey) == string(other.PublicSigningKey)
}

// SSHPublicKey renders PublicSigningKey in SSH authorized_keys wire format,
// for fingerprinting and logging — the same representation control tooling
// uses to display any other public key.
func (k Keys) SSHPublicKey() (ssh.PublicKey, error) {
	if len(k.PublicSigningKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: signing key is %d bytes, want %d", len(k.PublicSigningKey), ed25519.PublicKeySize)
	}
	return ssh.NewPublicKey(ed25519.PublicKey(k.PublicSigningKey))
}

// KeyStore is the narrow read/write interface the handshake uses to query
// and persist remote Keys records, independent of whatever broader object
// store a caller layers on top.
type KeyStore interface {
	Latest(id PersonID) (Keys, bool, error)
	StoreNew(id PersonID, keys Keys) error
}

// LocalInstance is one entry of the LocalInstancesList singleton.
type LocalInstance struct {
	Instance InstanceID `json:"instance"`
	Main     bool       `json:"main"`
}

// LocalInstancesList names which InstanceIds this node holds private keys
// for; exactly one is marked main.
type LocalInstancesList struct {
	ID        string          `json:"id"`
	Instances []LocalInstance `json:"instances"`
}

// MainInstance returns the instance marked main, if the list is non-empty.
func (l LocalInstancesList) MainInstance() (InstanceID, bool) {
	for _, inst := range l.Instances {
		if inst.Main {
			return inst.Instance, true
		}
	}
	return "", false
}

const localInstancesListID = "LocalInstancesList"

// Store is a file-backed implementation of KeyStore plus the
// LocalInstancesList persistence: plain JSON files under a directory,
// no external database, with an in-memory cache guarded by mu.
type Store struct {
	mu  sync.Mutex
	dir string

	keysCache map[PersonID]Keys
	listCache *LocalInstancesList
}

// NewStore opens (creating if necessary) a Store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Store{dir: dir, keysCache: map[PersonID]Keys{}}, nil
}

func (s *Store) keysPath(id PersonID) string {
	return filepath.Join(s.dir, "keys-"+string(id)+".json")
}

// Latest implements KeyStore.
func (s *Store) Latest(id PersonID) (Keys, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keysCache[id]; ok {
		return k, true, nil
	}
	raw, err := os.ReadFile(s.keysPath(id))
	if os.IsNotExist(err) {
		return Keys{}, false, nil
	}
	if err != nil {
		return Keys{}, false, err
	}
	var k Keys
	if err := json.Unmarshal(raw, &k); err != nil {
		return Keys{}, false, err
	}
	s.keysCache[id] = k
	return k, true, nil
}

// StoreNew implements KeyStore; it is called only the first time a peer's
// keys are seen, never to overwrite an existing record.
func (s *Store) StoreNew(id PersonID, keys Keys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.keysPath(id), raw, 0600); err != nil {
		return err
	}
	s.keysCache[id] = keys
	return nil
}

func (s *Store) localInstancesPath() string {
	return filepath.Join(s.dir, "local-instances.json")
}

// LoadOrCreateLocalInstances returns the persisted LocalInstancesList,
// creating it with mainInstance as the sole, main entry on first use.
func (s *Store) LoadOrCreateLocalInstances(mainInstance InstanceID) (LocalInstancesList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listCache != nil {
		return *s.listCache, nil
	}
	raw, err := os.ReadFile(s.localInstancesPath())
	if err == nil {
		var l LocalInstancesList
		if jerr := json.Unmarshal(raw, &l); jerr != nil {
			return LocalInstancesList{}, jerr
		}
		s.listCache = &l
		return l, nil
	}
	if !os.IsNotExist(err) {
		return LocalInstancesList{}, err
	}
	l := LocalInstancesList{
		ID:        localInstancesListID,
		Instances: []LocalInstance{{Instance: mainInstance, Main: true}},
	}
	if werr := s.saveLocalInstancesLocked(l); werr != nil {
		return LocalInstancesList{}, werr
	}
	return l, nil
}

// AddLocalInstance extends the LocalInstancesList with a new, non-main
// instance, a no-op if the instance is already present.
func (s *Store) AddLocalInstance(instance InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listCache == nil {
		return fmt.Errorf("identity: LoadOrCreateLocalInstances must run before AddLocalInstance")
	}
	for _, existing := range s.listCache.Instances {
		if existing.Instance == instance {
			return nil
		}
	}
	l := *s.listCache
	l.Instances = append(l.Instances, LocalInstance{Instance: instance})
	return s.saveLocalInstancesLocked(l)
}

func (s *Store) saveLocalInstancesLocked(l LocalInstancesList) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.localInstancesPath(), raw, 0600); err != nil {
		return err
	}
	s.listCache = &l
	return nil
}
