package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/intentpay/internal/chain"
	"github.com/mbd888/intentpay/internal/escrow"
	"github.com/mbd888/intentpay/internal/validation"
)

func (c *cli) newAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <intent-id> <agent-id> <owner-addr> <agent-addr>",
		Short: "Record who pays and who is paid for an intent/agent pair",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, e *env) error {
				a, created, err := e.assignments.Assign(ctx, args[0], args[1], args[2], args[3])
				if err != nil {
					return fmt.Errorf("assign: %w", err)
				}
				if !created {
					fmt.Fprintln(cmd.ErrOrStderr(), "assignment already recorded")
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
}

func (c *cli) newDepositCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <intent-id> <agent-id> <amount>",
		Short: "Fund an escrow for an assigned agent (owner key)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, e *env) error {
				signer, err := c.signer(e)
				if err != nil {
					return err
				}
				out, err := e.escrows.Deposit(ctx, args[0], args[1], args[2], signer)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func (c *cli) newReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <escrow-id>",
		Short: "Pay the full escrow to the agent (owner key)",
		Args:  escrowIDArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.settle(cmd, args[0], (*escrow.Service).Release)
		},
	}
}

func (c *cli) newRefundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund <escrow-id>",
		Short: "Return the full escrow to the owner (agent key)",
		Args:  escrowIDArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.settle(cmd, args[0], (*escrow.Service).Refund)
		},
	}
}

type settleFunc func(s *escrow.Service, ctx context.Context, escrowID string, signer chain.Signer) (*escrow.Escrow, error)

func (c *cli) settle(cmd *cobra.Command, escrowID string, fn settleFunc) error {
	return c.run(cmd, func(ctx context.Context, e *env) error {
		signer, err := c.signer(e)
		if err != nil {
			return err
		}
		out, err := fn(e.escrows, ctx, escrowID, signer)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	})
}

func (c *cli) newDisputeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dispute <escrow-id> --reason <text>",
		Short: "Freeze an escrow pending arbitration (owner or agent key)",
		Args:  escrowIDArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, e *env) error {
				signer, err := c.signer(e)
				if err != nil {
					return err
				}
				d, err := e.escrows.Dispute(ctx, args[0], reason, signer)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the escrow is disputed")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (c *cli) newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <dispute-id> <release_to_agent|refund_to_owner|split:N>",
		Short: "Settle an open dispute (arbiter key)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolution, err := escrow.ParseResolution(args[1])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, e *env) error {
				signer, err := c.signer(e)
				if err != nil {
					return err
				}
				out, err := e.escrows.Resolve(ctx, args[0], resolution, signer)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

// escrowView is what show prints.
type escrowView struct {
	Escrow   *escrow.Escrow    `json:"escrow"`
	Disputes []*escrow.Dispute `json:"disputes,omitempty"`
	InFlight *escrow.Operation `json:"inFlight,omitempty"`
}

func (c *cli) newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <escrow-id>",
		Short: "Print an escrow with its disputes and any in-flight operation",
		Args:  escrowIDArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, e *env) error {
				view := escrowView{}
				var err error
				if view.Escrow, err = e.escrows.Get(ctx, args[0]); err != nil {
					return err
				}
				if view.Disputes, err = e.escrows.ListDisputes(ctx, args[0]); err != nil {
					return err
				}
				op, err := e.escrows.InFlight(ctx, args[0])
				switch {
				case err == nil:
					view.InFlight = op
				case !errors.Is(err, escrow.ErrNoOperation):
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
}

func (c *cli) newReconcileCmd() *cobra.Command {
	var (
		txRef string
		stale bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "reconcile [escrow-id] | --tx <ref> | --stale",
		Short: "Bring the mirror in line with the ledger",
		Long:  "Reconcile one escrow, apply the outcome of one ledger transaction,\nor sweep every in-flight operation that has gone stale.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modes := 0
			if len(args) == 1 {
				modes++
			}
			if txRef != "" {
				modes++
			}
			if stale {
				modes++
			}
			if modes != 1 {
				return errors.New("reconcile: give exactly one of <escrow-id>, --tx, --stale")
			}
			if txRef != "" && !validation.IsValidTxRef(txRef) {
				return fmt.Errorf("reconcile: malformed tx ref %q", txRef)
			}

			return c.run(cmd, func(ctx context.Context, e *env) error {
				switch {
				case stale:
					results, err := e.escrows.ReconcileStale(ctx, limit)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), results)
				case txRef != "":
					res, err := e.escrows.ReconcileTx(ctx, chain.TxRef(txRef))
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), res)
				default:
					res, err := e.escrows.Reconcile(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), res)
				}
			})
		},
	}
	cmd.Flags().StringVar(&txRef, "tx", "", "ledger transaction reference to apply")
	cmd.Flags().BoolVar(&stale, "stale", false, "sweep stale in-flight operations")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum operations per stale sweep")
	return cmd
}

func escrowIDArg(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("accepts 1 arg, received %d", len(args))
	}
	if !validation.IsValidEscrowID(args[0]) {
		return fmt.Errorf("invalid escrow id %q", args[0])
	}
	return nil
}
