// Command keytool generates wallet keys and encrypts them for use with
// wallet.encrypted_key_path.
//
//	keytool -generate -out wallet.json -password ...
//	keytool -encrypt <base58 key or keypair file> -out wallet.json -password ...
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/alanyoungcy/perparb/internal/crypto"
)

func main() {
	generate := flag.Bool("generate", false, "generate a new key")
	encrypt := flag.String("encrypt", "", "existing key to encrypt")
	out := flag.String("out", "", "write the encrypted key to this file")
	password := flag.String("password", os.Getenv("PERPARB_WALLET_KEY_PASSWORD"), "encryption password")
	flag.Parse()

	if err := run(*generate, *encrypt, *out, *password); err != nil {
		fmt.Fprintf(os.Stderr, "keytool: %v\n", err)
		os.Exit(1)
	}
}

func run(generate bool, encrypt, out, password string) error {
	var (
		signer *crypto.Signer
		seed   []byte
		err    error
	)
	switch {
	case generate && encrypt != "":
		return errors.New("-generate and -encrypt are mutually exclusive")
	case generate && out == "":
		return errors.New("-generate needs -out")
	case generate:
		signer, seed, err = crypto.GenerateSigner()
	case encrypt != "":
		seed, err = crypto.ParseSecret(encrypt)
		if err == nil {
			signer, err = crypto.NewSigner(seed)
		}
	default:
		return errors.New("one of -generate or -encrypt is required")
	}
	if err != nil {
		return err
	}

	fmt.Println("address:", signer.Address())
	if out == "" {
		return nil
	}
	blob, err := crypto.EncryptKey(seed, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, blob, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Println("encrypted key written to", out)
	return nil
}
