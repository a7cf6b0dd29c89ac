package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hashmend/pkg/storage"
	"hashmend/pkg/types"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func repairCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "repair <file>",
		Short: "Localize and repair corrupted blocks",
		Long: `Scan the file against the oracle, download every corrupted block and write
the result next to the input as repaired_<name>. Blocks that could not be
fetched are listed and the output is still written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			input := args[0]
			data, err := storage.ReadFile(input)
			if err != nil {
				return err
			}

			rt.logger.Debug("Input loaded",
				zap.String("file", input),
				zap.Int("size", len(data)),
				zap.String("oracle", rt.client.BaseURL()))

			result, err := rt.engine.Repair(ctx, data)
			if err != nil {
				if errors.Is(err, types.ErrCancelled) {
					return fmt.Errorf("repair interrupted: %w", err)
				}
				return fmt.Errorf("repair failed: %w", err)
			}

			path, err := storage.WriteRepaired(input, output, result.Buffer)
			if err != nil {
				return err
			}

			rt.logger.Info("Repaired file written",
				zap.String("output", path),
				zap.Bool("partial", result.Partial()))

			renderRepairSummary(cmd.OutOrStdout(), input, path, int64(len(data)), rt.cfg.Oracle.ChunkBytes, result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default repaired_<file> next to the input)")
	return cmd
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <file>",
		Short: "List corrupted blocks without repairing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			data, err := storage.ReadFile(args[0])
			if err != nil {
				return err
			}

			report, err := rt.engine.Scan(ctx, data)
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			renderScanReport(cmd.OutOrStdout(), args[0], int64(len(data)), rt.cfg.Oracle.ChunkBytes,
				report, rt.client.HashRequests())
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Mint a proof-of-work token and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			token, err := rt.tokens.ValidToken(ctx)
			if err != nil {
				return fmt.Errorf("failed to mint token: %w", err)
			}

			rt.logger.Debug("Token minted",
				zap.Uint64("counter", token.Counter),
				zap.Time("expiry", token.Expiry))

			fmt.Fprintln(cmd.OutOrStdout(), token.Hex())
			return nil
		},
	}
}
