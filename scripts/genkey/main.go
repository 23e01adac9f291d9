// genkey generates an HS256 signing secret for the hyoka operator API and
// appends it to .env as HYOKA_JWT_SECRET.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Run once before first launch. Rotating the secret invalidates every
// issued operator token; mint new ones with `hyoka token <operator> admin`.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

const (
	envPath = ".env"
	envKey  = "HYOKA_JWT_SECRET"
)

func main() {
	// Refuse to overwrite an existing secret.
	if f, err := os.Open(envPath); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if strings.HasPrefix(strings.TrimSpace(sc.Text()), envKey+"=") {
				f.Close()
				fmt.Fprintf(os.Stderr, "error: %s already sets %s; remove the line first if you want to rotate it\n", envPath, envKey)
				os.Exit(1)
			}
		}
		f.Close()
	}

	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate secret: %v\n", err)
		os.Exit(1)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	f, err := os.OpenFile(envPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open %s: %v\n", envPath, err)
		os.Exit(1)
	}
	if _, err := fmt.Fprintf(f, "%s=%s\n", envKey, secret); err != nil {
		f.Close()
		fmt.Fprintf(os.Stderr, "error: write %s: %v\n", envPath, err)
		os.Exit(1)
	}
	f.Close()

	fmt.Printf("wrote %s to %s\n", envKey, envPath)
}
