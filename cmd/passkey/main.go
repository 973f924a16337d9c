// passkey prints a bcrypt hash suitable for ADMIN_PASSKEY_HASH.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/groupchat/internal/crypto"
)

func main() {
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: passkey [-cost N] [passkey]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Reads the passkey from stdin when no argument is given.")
		flag.PrintDefaults()
	}
	flag.Parse()

	var plaintext string
	switch flag.NArg() {
	case 0:
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "Error: reading passkey: %v\n", err)
			os.Exit(1)
		}
		plaintext = strings.TrimRight(line, "\r\n")
	case 1:
		plaintext = flag.Arg(0)
	default:
		flag.Usage()
		os.Exit(1)
	}

	pk, err := crypto.NewPasskey(plaintext, *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ADMIN_PASSKEY_HASH='%s'\n", pk.Hash())
}
