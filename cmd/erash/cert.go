package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Issue and download erasure certificates",
}

func init() {
	certCmd.AddCommand(certGenerateCmd)
	certCmd.AddCommand(certDownloadCmd)
	certCmd.AddCommand(certBulkCmd)
}

var (
	certLedger bool
	certSaveTo string
)

var certGenerateCmd = &cobra.Command{
	Use:   "generate <wipe-id>",
	Short: "Issue a certificate for a completed wipe",
	Long: `generate issues a certificate for a completed wipe operation.

With --ledger the certificate hash is recorded on the erasure ledger so it can
later be verified by serial number or hash.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		cert, err := c.GenerateCertificate(ctx, args[0], certLedger)
		if err != nil {
			return fmt.Errorf("generate certificate: %w", err)
		}

		out := cmd.OutOrStdout()
		if certSaveTo != "" && cert.Filename != "" {
			doc, err := c.DownloadCertificate(ctx, cert.Filename)
			if err != nil {
				return fmt.Errorf("download certificate: %w", err)
			}
			if err := writeFile(filepath.Join(certSaveTo, cert.Filename), doc); err != nil {
				return err
			}
		}

		if ok, err := render(out, map[string]any{"certificate": cert, "ledger_entry": cert.LedgerEntry}); ok {
			return err
		}
		fmt.Fprintf(out, "✓ Certificate issued\n\n")
		fmt.Fprintf(out, "  ID:      %s\n", cert.ID)
		fmt.Fprintf(out, "  Hash:    %s\n", cert.Hash)
		fmt.Fprintf(out, "  Verify:  %s\n", cert.VerificationURL)
		if cert.Filename != "" {
			fmt.Fprintf(out, "  File:    %s\n", cert.Filename)
		}
		if e := cert.LedgerEntry; e != nil {
			fmt.Fprintf(out, "  Block:   #%d %s\n", e.BlockIndex, e.BlockHash)
			fmt.Fprintf(out, "  Tx:      %s\n", e.TransactionID)
		}
		if certSaveTo != "" && cert.Filename != "" {
			fmt.Fprintf(out, "\nSaved to %s\n", filepath.Join(certSaveTo, cert.Filename))
		}
		return nil
	},
}

func init() {
	certGenerateCmd.Flags().BoolVar(&certLedger, "ledger", false, "Record the certificate on the erasure ledger")
	certGenerateCmd.Flags().StringVar(&certSaveTo, "save", "", "Directory to save the certificate document to")
}

var certJobID string

var certBulkCmd = &cobra.Command{
	Use:   "bulk <wipe-id>...",
	Short: "Issue one certificate covering several completed wipes",
	Long: `bulk issues a single certificate document for a job of several wipe
operations. Unknown or unfinished operations are skipped and reported.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		bulk, err := c.GenerateBulkCertificate(ctx, args, certJobID)
		if err != nil {
			return fmt.Errorf("generate bulk certificate: %w", err)
		}

		out := cmd.OutOrStdout()
		if certSaveTo != "" && bulk.Filename != "" {
			doc, err := c.DownloadCertificate(ctx, bulk.Filename)
			if err != nil {
				return fmt.Errorf("download certificate: %w", err)
			}
			if err := writeFile(filepath.Join(certSaveTo, bulk.Filename), doc); err != nil {
				return err
			}
		}

		if ok, err := render(out, bulk); ok {
			return err
		}
		fmt.Fprintf(out, "✓ Bulk certificate issued\n\n")
		fmt.Fprintf(out, "  Job:      %s\n", bulk.JobID)
		fmt.Fprintf(out, "  Devices:  %d\n", bulk.DeviceCount)
		fmt.Fprintf(out, "  Hash:     %s\n", bulk.Hash)
		if bulk.Filename != "" {
			fmt.Fprintf(out, "  File:     %s\n", bulk.Filename)
		}
		for _, id := range bulk.Skipped {
			fmt.Fprintf(out, "  Skipped:  %s\n", id)
		}
		return nil
	},
}

func init() {
	certBulkCmd.Flags().StringVar(&certJobID, "job", "", "Job id (default BULK_<timestamp>)")
	certBulkCmd.Flags().StringVar(&certSaveTo, "save", "", "Directory to save the certificate document to")
}

var certOutFile string

var certDownloadCmd = &cobra.Command{
	Use:   "download <filename>",
	Short: "Download an archived certificate document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		doc, err := c.DownloadCertificate(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("download certificate: %w", err)
		}
		if certOutFile == "" || certOutFile == "-" {
			_, err := cmd.OutOrStdout().Write(doc)
			return err
		}
		if err := writeFile(certOutFile, doc); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved %s\n", certOutFile)
		return nil
	},
}

func init() {
	certDownloadCmd.Flags().StringVar(&certOutFile, "file", "", "Write to this path instead of stdout")
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
