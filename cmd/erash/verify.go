package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jmerrifield20/erash/pkg/client"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify certificates against the erasure ledger",
}

func init() {
	verifyCmd.AddCommand(verifySerialCmd)
	verifyCmd.AddCommand(verifyCertCmd)
	verifyCmd.AddCommand(verifyAttestationCmd)
}

var verifySerialCmd = &cobra.Command{
	Use:   "serial <serial-number>",
	Short: "List every recorded erasure of a device serial",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		records, err := c.VerifySerial(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("verify serial: %w", err)
		}
		if ok, err := render(cmd.OutOrStdout(), records); ok {
			return err
		}
		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintf(out, "No erasure records for serial %s\n", args[0])
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BLOCK\tRECORDED\tMETHOD\tSTATUS\tSIMULATED\tCERTIFICATE")
		for _, r := range records {
			ts := r.Timestamp
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\n",
				r.BlockIndex, formatTime(&ts), r.WipeMethod, r.WipeStatus, r.Simulated, r.CertificateID)
		}
		return w.Flush()
	},
}

var (
	verifyID     string
	verifyHash   string
	verifySerial string
)

var verifyCertCmd = &cobra.Command{
	Use:   "cert",
	Short: "Verify a certificate by id, serial and/or hash",
	Long: `cert verifies a certificate against the erasure ledger.

With only --serial the most recent erasure of that device is verified. Every
flag given must agree with the ledger block that is found.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if verifyID == "" && verifyHash == "" && verifySerial == "" {
			return fmt.Errorf("one of --id, --serial or --hash is required")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.VerifyCertificateBy(context.Background(), client.CertificateQuery{
			ID:     verifyID,
			Serial: verifySerial,
			Hash:   verifyHash,
		})
		if err != nil {
			return fmt.Errorf("verify certificate: %w", err)
		}
		return reportVerification(cmd.OutOrStdout(), v)
	},
}

func init() {
	verifyCertCmd.Flags().StringVar(&verifyID, "id", "", "Certificate id")
	verifyCertCmd.Flags().StringVar(&verifyHash, "hash", "", "Certificate hash")
	verifyCertCmd.Flags().StringVar(&verifySerial, "serial", "", "Device serial number")
}

var verifyAttestationCmd = &cobra.Command{
	Use:   "attestation <token | @file>",
	Short: "Verify a signed certificate attestation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		if path, ok := strings.CutPrefix(token, "@"); ok {
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			token = strings.TrimSpace(string(raw))
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.VerifyAttestation(context.Background(), token)
		if err != nil {
			return fmt.Errorf("verify attestation: %w", err)
		}
		return reportVerification(cmd.OutOrStdout(), v)
	},
}

// reportVerification prints v and turns a non-VALID outcome into an error so
// scripts can rely on the exit status.
func reportVerification(out io.Writer, v *client.Verification) error {
	if ok, err := render(out, v); ok {
		if err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Status:     %s\n", v.Status)
		if v.BlockIndex != nil {
			fmt.Fprintf(out, "Block:      #%d %s\n", *v.BlockIndex, v.BlockHash)
			fmt.Fprintf(out, "Tx:         %s\n", v.TransactionID)
			fmt.Fprintf(out, "Integrity:  %t\n", v.IntegrityValid)
			fmt.Fprintf(out, "Chain:      %t\n", v.ChainValid)
		}
		if v.AttestationValid != nil {
			fmt.Fprintf(out, "Signature:  %t\n", *v.AttestationValid)
		}
		if v.Message != "" {
			fmt.Fprintf(out, "Message:    %s\n", v.Message)
		}
	}
	if !v.Valid() {
		return fmt.Errorf("certificate is %s", v.Status)
	}
	return nil
}
