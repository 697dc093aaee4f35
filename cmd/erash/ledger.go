package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jmerrifield20/erash/internal/ledger"
	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and validate the erasure ledger",
}

func init() {
	ledgerCmd.AddCommand(ledgerStatsCmd)
	ledgerCmd.AddCommand(ledgerValidateCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)
	ledgerCmd.AddCommand(ledgerBlockCmd)
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		stats, err := c.LedgerStats(context.Background())
		if err != nil {
			return fmt.Errorf("ledger stats: %w", err)
		}
		out := cmd.OutOrStdout()
		if ok, err := render(out, stats); ok {
			return err
		}
		fmt.Fprintf(out, "Backend:          %s\n", stats.LedgerType)
		fmt.Fprintf(out, "Blocks:           %d\n", stats.TotalBlocks)
		fmt.Fprintf(out, "Erasure records:  %d\n", stats.ErasureRecords)
		fmt.Fprintf(out, "Created:          %s\n", formatTime(&stats.CreatedAt))
		fmt.Fprintf(out, "Last block:       %s\n", formatTime(&stats.LastBlockTime))
		fmt.Fprintf(out, "Chain valid:      %t\n", stats.ChainValid)
		fmt.Fprintf(out, "Root:             %s\n", orDash(stats.Root))
		if stats.Sealed != "" {
			fmt.Fprintf(out, "SEALED:           %s\n", stats.Sealed)
		}
		return nil
	},
}

// ── validate ─────────────────────────────────────────────────────────────────

var validateFile string

var ledgerValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the hash chain",
	Long: `validate walks the chain from genesis and reports the first invalid block.

With --file the ledger is read from a local file (an erashd ledger file or the
output of 'erash ledger export') and checked without contacting the server.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var v *ledger.Validation
		if validateFile != "" {
			var err error
			v, err = validateLocal(validateFile)
			if err != nil {
				return err
			}
		} else {
			c, err := newClient()
			if err != nil {
				return err
			}
			remote, err := c.LedgerVerify(context.Background())
			if err != nil {
				return fmt.Errorf("ledger verify: %w", err)
			}
			v = &ledger.Validation{
				Valid:             remote.Valid,
				FirstInvalidIndex: remote.FirstInvalidIndex,
				Reason:            remote.Reason,
				BlockCount:        remote.BlockCount,
			}
		}
		return reportValidation(cmd.OutOrStdout(), v)
	},
}

func init() {
	ledgerValidateCmd.Flags().StringVar(&validateFile, "file", "", "Validate a local ledger file instead of the server's ledger")
}

// validateLocal checks the chain stored at path. The file is either a block
// array or a saved GET /ledger/export response.
func validateLocal(path string) (*ledger.Validation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Blocks json.RawMessage `json:"blocks"`
		}
		if err := json.Unmarshal(trimmed, &env); err == nil && len(env.Blocks) > 0 {
			raw = env.Blocks
		}
	}
	blocks, err := ledger.DecodeBlocks(raw)
	if err != nil {
		var ie *ledger.IntegrityError
		switch {
		case errors.As(err, &ie):
			idx := ie.Index
			return &ledger.Validation{FirstInvalidIndex: &idx, Reason: ie.Reason}, nil
		case errors.Is(err, ledger.ErrChainIntegrity):
			idx := 0
			return &ledger.Validation{FirstInvalidIndex: &idx, Reason: err.Error()}, nil
		}
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	return ledger.ValidateBlocks(blocks), nil
}

func reportValidation(out io.Writer, v *ledger.Validation) error {
	if ok, err := render(out, v); ok {
		if err != nil {
			return err
		}
	} else if v.Valid {
		fmt.Fprintf(out, "✓ Chain valid (%d blocks)\n", v.BlockCount)
	} else {
		idx := "?"
		if v.FirstInvalidIndex != nil {
			idx = strconv.Itoa(*v.FirstInvalidIndex)
		}
		fmt.Fprintf(out, "✗ Chain INVALID at block %s: %s\n", idx, v.Reason)
	}
	if !v.Valid {
		return v.Err()
	}
	return nil
}

// ── export ───────────────────────────────────────────────────────────────────

var exportFile string

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download every ledger block",
	Long: `export downloads the full chain as a JSON array, genesis first.

The export is validated locally before it is written, so a copy is only
accepted when it checks out independently of the server.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		raw, err := c.LedgerExport(context.Background())
		if err != nil {
			return fmt.Errorf("ledger export: %w", err)
		}
		blocks, err := ledger.DecodeBlocks(raw)
		if err != nil {
			return fmt.Errorf("decode export: %w", err)
		}
		v := ledger.ValidateBlocks(blocks)

		out := cmd.OutOrStdout()
		if exportFile == "" || exportFile == "-" {
			doc, err := json.MarshalIndent(blocks, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(doc))
			return v.Err()
		}

		doc, err := json.MarshalIndent(blocks, "", "  ")
		if err != nil {
			return err
		}
		if err := writeFile(exportFile, append(doc, '\n')); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Exported %d blocks to %s\n", len(blocks), exportFile)
		return reportValidation(out, v)
	},
}

func init() {
	ledgerExportCmd.Flags().StringVar(&exportFile, "file", "", "Write the export to this path instead of stdout")
}

// ── block ────────────────────────────────────────────────────────────────────

var ledgerBlockCmd = &cobra.Command{
	Use:   "block <index>",
	Short: "Print a single ledger block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[0])
		if err != nil || idx < 0 {
			return fmt.Errorf("index must be a non-negative integer")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		raw, err := c.LedgerBlock(context.Background(), idx)
		if err != nil {
			return fmt.Errorf("ledger block: %w", err)
		}
		var b ledger.Block
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("decode block: %w", err)
		}
		out := cmd.OutOrStdout()
		if ok, err := render(out, &b); ok {
			return err
		}
		fmt.Fprintf(out, "Index:        %d\n", b.Index)
		fmt.Fprintf(out, "Timestamp:    %s\n", formatTime(&b.Timestamp))
		fmt.Fprintf(out, "Transaction:  %s\n", b.TransactionID)
		fmt.Fprintf(out, "Type:         %s\n", b.Payload.Type)
		if b.IsErasure() {
			fmt.Fprintf(out, "Certificate:  %s\n", b.Payload.CertificateID)
			fmt.Fprintf(out, "Cert hash:    %s\n", b.Payload.CertificateHash)
			fmt.Fprintf(out, "Device:       %s (serial %s)\n", b.Payload.DevicePath, b.Payload.DeviceSerial)
			fmt.Fprintf(out, "Method:       %s (%s)\n", b.Payload.WipeMethod, b.Payload.WipeStatus)
		}
		fmt.Fprintf(out, "Previous:     %s\n", b.PreviousHash)
		fmt.Fprintf(out, "Hash:         %s\n", b.BlockHash)
		fmt.Fprintf(out, "Hash valid:   %t\n", b.HashValid())
		return nil
	},
}
