package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"wafleet/internal/importer"
)

func newNormalizeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <raw...>",
		Short: "Show how numbers normalize",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			norm, err := e.normalizer()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "INPUT\tLOCAL\tINTERNATIONAL\tCOUNTRY")
			for _, raw := range args {
				res, ok := norm.Normalize(raw)
				if !ok {
					_, _ = fmt.Fprintf(w, "%s\t-\t-\tinvalid\n", raw)
					continue
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", raw, res.Local, res.International(), res.Country)
			}
			return w.Flush()
		},
	}
}

func newImportCmd(e *env) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import destinations from a .txt, .csv or .vcf file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := importer.FormatFor(args[0])
			if err != nil {
				return err
			}
			norm, err := e.normalizer()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			p := importer.New(norm)
			var rep importer.Report
			if dryRun {
				rep, err = p.Parse(f, format)
			} else {
				st, oerr := e.open()
				if oerr != nil {
					return oerr
				}
				rep, err = p.Import(cmd.Context(), st, f, format)
			}
			if err != nil {
				return fmt.Errorf("import %s: %w", filepath.Base(args[0]), err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "accepted: %d\nadded: %d\nduplicates: %d\nrejected: %d\n",
				len(rep.Accepted), rep.Added, rep.Duplicates, rep.Rejected)
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and report without writing")
	return cmd
}

type sessionRow struct {
	ID          string    `json:"session_id"`
	ShortID     string    `json:"short_id"`
	Phone       string    `json:"phone"`
	Locked      bool      `json:"locked"`
	BundleBytes int       `json:"bundle_bytes"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
}

func newSessionsCmd(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := e.open()
			if err != nil {
				return err
			}
			all, err := st.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([]sessionRow, 0, len(all))
			for _, s := range all {
				rows = append(rows, sessionRow{ID: s.ID, ShortID: s.ShortID, Phone: s.Phone, Locked: s.Locked, BundleBytes: len(s.Bundle), ConnectedAt: s.ConnectedAt})
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "SHORT\tPHONE\tLOCKED\tBUNDLE\tCONNECTED")
			for _, r := range rows {
				connected := "-"
				if !r.ConnectedAt.IsZero() {
					connected = r.ConnectedAt.Local().Format(time.DateTime)
				}
				short := r.ShortID
				if short == "" {
					short = "-----"
				}
				_, _ = fmt.Fprintf(w, "%s\t+%s\t%t\t%d\t%s\n", short, r.Phone, r.Locked, r.BundleBytes, connected)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newCountCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count stored destinations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := e.open()
			if err != nil {
				return err
			}
			n, err := st.Count(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}
}

func newPurgeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <addr...>",
		Short: "Remove destinations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			norm, err := e.normalizer()
			if err != nil {
				return err
			}
			st, err := e.open()
			if err != nil {
				return err
			}
			addrs := make([]string, 0, len(args))
			for _, raw := range args {
				res, ok := norm.Normalize(raw)
				if !ok {
					return fmt.Errorf("not a phone number: %q", raw)
				}
				addrs = append(addrs, importer.Canonical(norm, res))
			}
			n, err := st.RemoveMany(cmd.Context(), addrs)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed: %d\n", n)
			return err
		},
	}
}
