package main

import (
	"fmt"
	"os"

	"github.com/weftworks/weft/internal/auth"
)

func main() {
	token := ""
	switch len(os.Args) {
	case 1:
		generated, err := auth.NewToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
			os.Exit(1)
		}
		token = generated
	case 2:
		token = os.Args[1]
	default:
		fmt.Println("Usage: keygen [token]")
		fmt.Println("With no arguments, generates a fresh ops token and its SHA-256 hash.")
		fmt.Println("With a token argument, prints the hash of the token you supply.")
		os.Exit(1)
	}

	fmt.Printf("Ops Token: %s\n", token)
	fmt.Printf("SHA-256 Hash: %s\n", auth.HashToken(token))
	fmt.Println("\nAdd this to your weft.yaml:")
	fmt.Printf("  server:\n")
	fmt.Printf("    ops_token_hash: \"%s\"\n", auth.HashToken(token))
	fmt.Println("\nClients send the plain token: Authorization: Bearer <token>")
}
