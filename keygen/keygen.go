// Command keygen generates the uid encryption key for the server config
// (store_config.uid_key) and validates existing keys.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"

	"golang.org/x/crypto/xtea"
)

func main() {
	var existing = flag.String("validate", "", "Key to validate instead of generating a new one.")
	flag.Parse()

	if *existing != "" {
		if err := checkKey(*existing); err != nil {
			log.Fatalln("invalid key:", err)
		}
		fmt.Println("key is valid")
		return
	}

	key, err := newKey()
	if err != nil {
		log.Fatalln("failed to generate key:", err)
	}
	fmt.Println(key)
}

// newKey produces a fresh random key of the size the uid cipher expects,
// base64-encoded the way the config file stores it.
func newKey() (string, error) {
	// xtea.NewCipher requires exactly 16-byte keys; the package exports no
	// KeySize constant.
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// checkKey verifies that the string decodes to a usable uid cipher key.
func checkKey(s string) error {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if _, err = xtea.NewCipher(raw); err != nil {
		return err
	}
	return nil
}
