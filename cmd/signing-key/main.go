// Command signing-key prints a random token signing key in the form accepted
// by GATEKEEPER_TOKEN_SIGNING_KEY. The key ID goes to stderr.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/go-faster/errors"

	"github.com/xenking/gatekeeper/internal/token"
)

func main() {
	if err := run(os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "signing-key: %v\n", err)
		os.Exit(1)
	}
}

func run(out, info io.Writer) error {
	secret, err := token.GenerateSecret()
	if err != nil {
		return errors.Wrap(err, "generate")
	}
	key, err := token.NewSigningKey(secret)
	if err != nil {
		return errors.Wrap(err, "derive key id")
	}

	if _, err := fmt.Fprintln(out, token.EncodeSecret(secret)); err != nil {
		return errors.Wrap(err, "write key")
	}
	_, _ = fmt.Fprintf(info, "kid: %s\n", key.ID)
	return nil
}
