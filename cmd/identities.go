package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/nao1215/markdown"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/config"
	"github.com/JakeFAU/identity-harvester/internal/identity"
	"github.com/JakeFAU/identity-harvester/internal/quarantine"
)

func newIdentitiesCmd(opts *options) *cobra.Command {
	var showBanned bool
	cmd := &cobra.Command{
		Use:   "identities",
		Short: "Lists the identity pool",
		Long: `Prints the identities the next cycle would use, after quarantine filtering.
No login is attempted. Secrets and proxy passwords are never printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printIdentities(cmd.OutOrStdout(), cfg, showBanned)
		},
	}
	cmd.Flags().BoolVar(&showBanned, "banned", false, "also list quarantined credentials and egress points")
	return cmd
}

func printIdentities(w io.Writer, cfg *config.Config, showBanned bool) error {
	logger := zap.NewNop()
	ledger := openLedger(cfg, logger)
	creds, egress, err := loadIdentities(cfg, logger)
	if err != nil {
		return err
	}
	pool := identity.NewPool(creds, egress, ledger)

	md := markdown.NewMarkdown(w)
	md.H2("Identity pool")
	md.PlainText("")
	rows := make([][]string, 0, pool.Size())
	for i, id := range pool.Identities() {
		rows = append(rows, []string{strconv.Itoa(i + 1), id.Credential.Identifier, id.Egress.Redacted()})
	}
	if len(rows) == 0 {
		md.PlainText("No usable identities.")
	} else {
		md.Table(markdown.TableSet{Header: []string{"#", "Credential", "Egress"}, Rows: rows})
	}
	md.PlainText("")
	md.PlainTextf("%d usable, %d filtered by quarantine.", pool.Size(), pool.Filtered())

	if showBanned {
		for _, kind := range []quarantine.Kind{quarantine.KindCredential, quarantine.KindEgress} {
			md.PlainText("")
			md.H3(fmt.Sprintf("Quarantined %s", kind))
			md.PlainText("")
			entries := ledger.Entries(kind)
			if len(entries) == 0 {
				md.PlainText("None.")
				continue
			}
			banned := make([][]string, 0, len(entries))
			for _, e := range entries {
				banned = append(banned, []string{e.Asset, e.Reason, formatBannedAt(e)})
			}
			md.Table(markdown.TableSet{Header: []string{"Asset", "Reason", "Banned at"}, Rows: banned})
		}
	}
	if err := md.Build(); err != nil {
		return fmt.Errorf("render identities: %w", err)
	}
	return nil
}

func formatBannedAt(e quarantine.Entry) string {
	if e.BannedAt.IsZero() {
		return "-"
	}
	return e.BannedAt.UTC().Format("2006-01-02 15:04:05 MST")
}
