package main

import (
	"fmt"
	"os"

	"github.com/tjfontaine/polyglot-chat-relay/internal/auth"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: go run ./cmd/keygen <user-id> <api-key>")
		fmt.Println("Prints a users entry for config.yaml with the SHA-256 hash of the key")
		os.Exit(1)
	}

	userID, apiKey := os.Args[1], os.Args[2]
	keyHash := auth.HashAPIKey(apiKey)

	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("users:\n")
	fmt.Printf("  - id: %q\n", userID)
	fmt.Printf("    name: %q\n", userID)
	fmt.Printf("    key_hash: %q\n", keyHash)
}
