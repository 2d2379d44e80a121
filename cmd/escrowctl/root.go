package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/intentpay/internal/chain"
	"github.com/mbd888/intentpay/internal/escrow"
	"github.com/mbd888/intentpay/internal/wallet"
)

// keyEnv names the variable holding the operator's hex private key.
const keyEnv = "ESCROWCTL_PRIVATE_KEY"

type cli struct {
	open    opener
	key     string
	verbose bool
	timeout time.Duration
}

// newRootCmd creates the root escrowctl command with all subcommands attached.
func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}

	cmd := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operate intentpay escrows with a local key",
		Long:          "escrowctl runs deposits, settlements, disputes and reconciliation\nagainst the mirror database and ledger configured for the server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&c.key, "key", "", "hex private key (default $"+keyEnv+")")
	cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log coordinator activity to stderr")
	cmd.PersistentFlags().DurationVar(&c.timeout, "timeout", 3*time.Minute, "overall deadline for the command")

	cmd.AddCommand(
		c.newAssignCmd(),
		c.newDepositCmd(),
		c.newReleaseCmd(),
		c.newRefundCmd(),
		c.newDisputeCmd(),
		c.newResolveCmd(),
		c.newShowCmd(),
		c.newReconcileCmd(),
	)
	return cmd
}

// run opens the environment for one command and tears it down afterwards.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()

	e, err := c.open(ctx, newLogger(cmd.ErrOrStderr(), c.verbose))
	if err != nil {
		return err
	}
	if e.close != nil {
		defer e.close()
	}
	return explain(fn(ctx, e))
}

func (c *cli) signer(e *env) (chain.Signer, error) {
	key := c.key
	if key == "" {
		key = os.Getenv(keyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("no signing key: pass --key or set %s", keyEnv)
	}
	return wallet.NewKeySigner(key, e.params)
}

// explain adds the follow-up an operator needs when the ledger outcome is
// still open.
func explain(err error) error {
	if err == nil {
		return nil
	}
	if ref := escrow.TxRefOf(err); ref != "" &&
		(errors.Is(err, escrow.ErrConfirmationTimeout) || errors.Is(err, escrow.ErrReconciliationRequired)) {
		return fmt.Errorf("%w\nrun `escrowctl reconcile --tx %s` once the transaction settles", err, ref)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
