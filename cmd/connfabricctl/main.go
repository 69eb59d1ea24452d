// Command connfabricctl is the local admin CLI for a connfabricd data
// directory: inspect the node's identity and forget a peer's stored key to
// force re-pairing. It has no command that lists stored peer keys.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/kryptolabs/connfabric/cryptosession"
	"github.com/kryptolabs/connfabric/identity"
	"github.com/urfave/cli"
	"golang.org/x/crypto/ssh"
)

func printFatal(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, color.RedString(fmt.Sprintf(format, args...)))
	os.Exit(1)
}

func dataDirFlag(c *cli.Context) string {
	dir := c.GlobalString("data-dir")
	if dir == "" {
		printFatal("connfabricctl: --data-dir is required")
	}
	return dir
}

func loadNodeKeys(dataDir string) (identity.Keys, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, "node-keys.json"))
	if err != nil {
		return identity.Keys{}, err
	}
	var saved struct {
		PersonPublic string `json:"personPublic"`
	}
	if err := json.Unmarshal(raw, &saved); err != nil {
		return identity.Keys{}, err
	}
	pub, err := hex.DecodeString(saved.PersonPublic)
	if err != nil || len(pub) != cryptosession.KeySize {
		return identity.Keys{}, fmt.Errorf("connfabricctl: malformed node-keys.json")
	}
	return identity.Keys{
		OwnerPersonID:    identity.DerivePersonID(pub),
		PublicSigningKey: pub,
	}, nil
}

func whoamiCommand(c *cli.Context) error {
	keys, err := loadNodeKeys(dataDirFlag(c))
	if err != nil {
		printFatal(err.Error())
	}
	fmt.Println(color.GreenString("person id"), string(keys.OwnerPersonID))
	sshKey, err := keys.SSHPublicKey()
	if err != nil {
		printFatal(err.Error())
	}
	line := string(ssh.MarshalAuthorizedKey(sshKey))
	fmt.Print(color.GreenString("signing key "), line)
	return nil
}

func forgetCommand(c *cli.Context) error {
	personID := c.Args().First()
	if personID == "" {
		printFatal("connfabricctl: forget requires a person id argument")
	}
	path := filepath.Join(dataDirFlag(c), "keys-"+personID+".json")
	if err := os.Remove(path); err != nil {
		printFatal(err.Error())
	}
	fmt.Println(color.YellowString("forgot stored key for"), personID)
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "connfabricctl"
	app.Usage = "inspect and administer a connfabricd data directory"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "data-dir", Usage: "connfabricd data directory"},
	}
	app.Commands = []cli.Command{
		{Name: "whoami", Usage: "print this node's person id and signing key in authorized_keys format", Action: whoamiCommand},
		{Name: "forget", Usage: "delete a stored peer key by person id, forcing re-pairing", Action: forgetCommand},
	}
	if err := app.Run(os.Args); err != nil {
		printFatal(err.Error())
	}
}
