// Command escrowctl drives the escrow coordinator directly with a local key:
// the same mirror database and ledger the server uses, without going
// through HTTP. Useful for operators and for recovering stuck escrows.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(openFromEnv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "escrowctl:", err)
		os.Exit(1)
	}
}
