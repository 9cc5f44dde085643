package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/devblac/mint-watch/internal/config"
	"github.com/devblac/mint-watch/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagExportFormat string
	flagExportKind   string
	flagExportSource string
	flagExportFrom   uint64
	flagExportTo     uint64
	flagExportOut    string
)

func init() {
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "csv", "Output format: csv or json")
	exportCmd.Flags().StringVar(&flagExportKind, "kind", "", "Only export deployment or mint signals")
	exportCmd.Flags().StringVar(&flagExportSource, "source", "", "Only export one source")
	exportCmd.Flags().Uint64Var(&flagExportFrom, "from", 0, "Lowest height to export")
	exportCmd.Flags().Uint64Var(&flagExportTo, "to", 0, "Highest height to export")
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "Write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored deployments and mints as csv or json",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch flagExportKind {
		case "", config.SignalDeployment, config.SignalMint:
		default:
			return fmt.Errorf("unknown kind %q", flagExportKind)
		}

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		signals, err := store.ListSignals(cmd.Context(), storage.SignalFilter{
			SourceID: flagExportSource,
			Kind:     flagExportKind,
			From:     flagExportFrom,
			To:       flagExportTo,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if flagExportOut != "" {
			f, err := os.Create(flagExportOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", flagExportOut, err)
			}
			defer f.Close()
			out = f
		}
		return writeSignals(out, flagExportFormat, signals)
	},
}

type exportedSignal struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	Height    uint64    `json:"height"`
	Contract  string    `json:"contract"`
	TokenID   string    `json:"token_id,omitempty"`
	To        string    `json:"to,omitempty"`
	TxHash    string    `json:"tx_hash"`
	LogIndex  uint      `json:"log_index"`
	CreatedAt time.Time `json:"created_at"`
}

func writeSignals(w io.Writer, format string, signals []storage.Signal) error {
	switch format {
	case "json":
		rows := make([]exportedSignal, 0, len(signals))
		for _, s := range signals {
			rows = append(rows, exportedSignal{
				ID: s.ID, Source: s.SourceID, Kind: s.Kind, Height: s.Height, Contract: s.Contract,
				TokenID: s.TokenID, To: s.Recipient, TxHash: s.TxHash, LogIndex: s.LogIndex, CreatedAt: s.CreatedAt,
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"source", "kind", "height", "contract", "token_id", "to", "tx_hash", "log_index", "created_at"})
		for _, s := range signals {
			_ = cw.Write([]string{
				s.SourceID,
				s.Kind,
				strconv.FormatUint(s.Height, 10),
				s.Contract,
				s.TokenID,
				s.Recipient,
				s.TxHash,
				strconv.FormatUint(uint64(s.LogIndex), 10),
				s.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unsupported format %q (csv or json)", format)
	}
}
