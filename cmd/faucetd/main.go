package main

import (
	"log"

	"faucetrelay/cmd/internal/passphrase"
	"faucetrelay/services/faucetd"
)

func main() {
	if err := faucetd.Main(func(envVar, label string) (string, error) {
		return passphrase.NewSource(envVar, label).Get()
	}); err != nil {
		log.Fatalf("faucetd: %v", err)
	}
}
