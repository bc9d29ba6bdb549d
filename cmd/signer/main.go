package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/elnosh/paynode/signer"
	"github.com/joho/godotenv"
	"github.com/tyler-smith/go-bip39"
)

func main() {
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	mnemonic := os.Getenv("SIGNER_MNEMONIC")
	if mnemonic == "" {
		log.Fatal("SIGNER_MNEMONIC is required")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		log.Fatal("SIGNER_MNEMONIC is not a valid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, os.Getenv("SIGNER_PASSPHRASE"))

	localSigner, err := signer.NewLocalSigner(seed)
	if err != nil {
		log.Fatalf("error setting up signer: %v", err)
	}

	addr := os.Getenv("SIGNER_ADDR")
	if addr == "" {
		addr = "127.0.0.1:3339"
	}

	server := signer.NewServer(localSigner, addr, logger)
	log.Fatal(server.Start())
}
