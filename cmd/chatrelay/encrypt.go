package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"chatrelay/internal/infra/config"
)

// runEncrypt reads one secret from in and prints its "enc:" form for the
// config file. The passphrase comes from CHATRELAY_CONFIG_KEY.
func runEncrypt(in io.Reader, out io.Writer) error {
	passphrase := os.Getenv("CHATRELAY_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("CHATRELAY_CONFIG_KEY must be set")
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return fmt.Errorf("empty secret")
	}
	enc, err := config.EncryptValue(secret, passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "enc:%s\n", enc)
	return err
}
