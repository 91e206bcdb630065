package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate base64-encoded AES/HMAC keys for a secrets table",
	Run:   runKeygen,
}

func runKeygen(cmd *cobra.Command, args []string) {
	aesKey, err := randomKey()
	if err != nil {
		cobra.CheckErr(err)
	}
	hmacMDKey, err := randomKey()
	if err != nil {
		cobra.CheckErr(err)
	}
	hmacChunkKey, err := randomKey()
	if err != nil {
		cobra.CheckErr(err)
	}

	fmt.Println("Generated secrets-table key material (base64 encoded, 32 bytes each):")
	fmt.Println()
	fmt.Printf("aes_key: \"%s\"\n", aesKey)
	fmt.Printf("hmac_md_key: \"%s\"\n", hmacMDKey)
	fmt.Printf("hmac_chunk_key: \"%s\"\n", hmacChunkKey)
}

func randomKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
