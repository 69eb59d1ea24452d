// Command connfabricd runs a connection-fabric node: it loads (or creates)
// a local identity, opens whatever direct/relay listeners and outgoing
// routes its config file names, and serves until signalled to stop.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/kryptolabs/connfabric/conncore"
	"github.com/kryptolabs/connfabric/connlog"
	"github.com/kryptolabs/connfabric/cryptosession"
	"github.com/kryptolabs/connfabric/handshake"
	"github.com/kryptolabs/connfabric/identity"
	"github.com/kryptolabs/connfabric/router"
	"github.com/op/go-logging"
)

func useSyslog() bool {
	if env := os.Getenv("CONNFABRIC_LOG_SYSLOG"); env != "" {
		return env == "true"
	}
	return false
}

var log *logging.Logger = connlog.Setup("connfabricd", logging.INFO, useSyslog())

// peerConfig names one outgoing route to dial at startup.
type peerConfig struct {
	RemoteInstanceKey string `json:"remoteInstanceKey"` // hex
	GroupName         string `json:"groupName"`
	DialURL           string `json:"dialUrl"`
}

// fileConfig is the on-disk shape of the daemon's config file. CatchAll is a
// node-level setting: when set, every configured direct/relay listener also
// feeds this node's catch-all bucket, so a connection from a remote key this
// node has no dedicated route for still lands in a freshly-spawned group
// instead of being rejected.
type fileConfig struct {
	DataDir    string       `json:"dataDir"`
	DirectHost string       `json:"directHost"`
	DirectPort string       `json:"directPort"`
	RelayURLs  []string     `json:"relayUrls"`
	CatchAll   bool         `json:"catchAll"`
	Peers      []peerConfig `json:"peers"`
}

func loadConfig(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, err
	}
	var cfg fileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("connfabricd: parsing %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	defer func() {
		if x := recover(); x != nil {
			log.Error(fmt.Sprintf("run time panic: %v", x))
			log.Error(string(debug.Stack()))
			panic(x)
		}
	}()

	configPath := flag.String("config", "", "path to a connfabricd JSON config file")
	flag.Parse()
	if *configPath == "" {
		log.Fatal("connfabricd: -config is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), "connfabricd")
	}

	store, err := identity.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatal(err)
	}

	instanceKeys, personKeys, personID, err := loadOrCreateKeys(store, cfg.DataDir)
	if err != nil {
		log.Fatal(err)
	}
	log.Notice("connfabricd: local person id", personID, "instance key", hex.EncodeToString(instanceKeys.Public[:]))

	rt := router.New(log, conncore.DefaultConfig(), handshake.Config{
		InstanceKeys:  instanceKeys,
		PersonKeys:    personKeys,
		LocalPersonID: personID,
		KeyStore:      store,
		Timeout:       conncore.DefaultConfig().HandshakeTimeout,
	})

	if cfg.DirectHost != "" || cfg.DirectPort != "" {
		key := router.Key{Local: instanceKeys.Public}
		if _, err := rt.AddIncomingDirectRoute(key, cfg.DirectHost, cfg.DirectPort); err != nil {
			log.Error("connfabricd: direct listen failed:", err)
		}
	}
	for _, relayURL := range cfg.RelayURLs {
		key := router.Key{Local: instanceKeys.Public}
		if _, err := rt.AddIncomingRelayRoute(key, relayURL); err != nil {
			log.Error("connfabricd: relay listen failed on", relayURL, ":", err)
		}
	}
	if cfg.CatchAll {
		rt.AddCatchAllBucket(instanceKeys.Public)
		if cfg.DirectHost != "" || cfg.DirectPort != "" {
			if _, err := rt.AddCatchAllDirectRoute(instanceKeys.Public, cfg.DirectHost, cfg.DirectPort); err != nil {
				log.Error("connfabricd: catch-all direct listen failed:", err)
			}
		}
		for _, relayURL := range cfg.RelayURLs {
			if _, err := rt.AddCatchAllRelayRoute(instanceKeys.Public, relayURL); err != nil {
				log.Error("connfabricd: catch-all relay listen failed on", relayURL, ":", err)
			}
		}
	}
	for _, p := range cfg.Peers {
		remoteRaw, err := hex.DecodeString(p.RemoteInstanceKey)
		if err != nil || len(remoteRaw) != cryptosession.KeySize {
			log.Error("connfabricd: bad peer remoteInstanceKey:", p.RemoteInstanceKey)
			continue
		}
		var remote [32]byte
		copy(remote[:], remoteRaw)
		key := router.Key{Local: instanceKeys.Public, Remote: remote, GroupName: p.GroupName}
		if _, err := rt.AddOutgoingWebsocketRoute(key, p.DialURL, router.AcceptOptions{}); err != nil {
			log.Error("connfabricd: dialing", p.DialURL, "failed:", err)
		}
	}

	go logConnections(rt)
	go logErrors(rt)

	log.Notice("connfabricd launched")

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM)
	sig := <-stopSignal
	log.Notice("connfabricd stopping with signal", sig)
}

func logConnections(rt *router.Router) {
	ch, _ := rt.Connections()
	for ev := range ch {
		log.Info("connfabricd: connection assigned", ev.Key.GroupName, "viaCatchAll", ev.ViaCatchAll, "isNew", ev.IsNew)
	}
}

func logErrors(rt *router.Router) {
	ch, _ := rt.Errors()
	for err := range ch {
		log.Warning("connfabricd: handshake error:", err)
	}
}

// loadOrCreateKeys persists the node's instance and person keypairs as a
// single local-instance record, generating fresh NaCl keys on first run.
func loadOrCreateKeys(store *identity.Store, dataDir string) (cryptosession.KeyPair, cryptosession.KeyPair, identity.PersonID, error) {
	keyPath := filepath.Join(dataDir, "node-keys.json")
	var saved struct {
		InstancePublic  string `json:"instancePublic"`
		InstancePrivate string `json:"instancePrivate"`
		PersonPublic    string `json:"personPublic"`
		PersonPrivate   string `json:"personPrivate"`
	}
	if raw, err := os.ReadFile(keyPath); err == nil {
		if err := json.Unmarshal(raw, &saved); err != nil {
			return cryptosession.KeyPair{}, cryptosession.KeyPair{}, "", err
		}
		instanceKeys, err := decodeKeyPair(saved.InstancePublic, saved.InstancePrivate)
		if err != nil {
			return cryptosession.KeyPair{}, cryptosession.KeyPair{}, "", err
		}
		personKeys, err := decodeKeyPair(saved.PersonPublic, saved.PersonPrivate)
		if err != nil {
			return cryptosession.KeyPair{}, cryptosession.KeyPair{}, "", err
		}
		return instanceKeys, personKeys, identity.DerivePersonID(personKeys.Public[:]), nil
	}

	instanceKeys, err := cryptosession.GenerateKeyPair()
	if err != nil {
		return cryptosession.KeyPair{}, cryptosession.KeyPair{}, "", err
	}
	personKeys, err := cryptosession.GenerateKeyPair()
	if err != nil {
		return cryptosession.KeyPair{}, cryptosession.KeyPair{}, "", err
	}
	personID := identity.DerivePersonID(personKeys.Public[:])

	saved.InstancePublic = hex.EncodeToString(instanceKeys.Public[:])
	saved.InstancePrivate = hex.EncodeToString(instanceKeys.Private[:])
	saved.PersonPublic = hex.EncodeToString(personKeys.Public[:])
	saved.PersonPrivate = hex.EncodeToString(personKeys.Private[:])
	raw, err := json.Marshal(saved)
	if err != nil {
		return cryptosession.KeyPair{}, cryptosession.KeyPair{}, "", err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return cryptosession.KeyPair{}, cryptosession.KeyPair{}, "", err
	}
	if err := os.WriteFile(keyPath, raw, 0600); err != nil {
		return cryptosession.KeyPair{}, cryptosession.KeyPair{}, "", err
	}
	return instanceKeys, personKeys, personID, nil
}

func decodeKeyPair(publicHex, privateHex string) (cryptosession.KeyPair, error) {
	pub, err := hex.DecodeString(publicHex)
	if err != nil || len(pub) != cryptosession.KeySize {
		return cryptosession.KeyPair{}, fmt.Errorf("connfabricd: malformed public key")
	}
	priv, err := hex.DecodeString(privateHex)
	if err != nil || len(priv) != cryptosession.KeySize {
		return cryptosession.KeyPair{}, fmt.Errorf("connfabricd: malformed private key")
	}
	var kp cryptosession.KeyPair
	copy(kp.Public[:], pub)
	copy(kp.Private[:], priv)
	return kp, nil
}
