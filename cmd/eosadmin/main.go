// Command eosadmin runs operator tasks against the EOS database: migrations,
// tenant bootstrap, user and grant management, and reading the audit log.
package main

import (
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
