package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type statusEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type statusView struct {
	Running         bool            `json:"running"`
	Mode            string          `json:"mode"`
	StartedAt       *time.Time      `json:"started_at"`
	Balance         decimal.Decimal `json:"balance"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	PnL             decimal.Decimal `json:"pnl"`
	PnLPct          decimal.Decimal `json:"pnl_pct"`
	Strategies      []struct {
		Name          string          `json:"name"`
		Running       bool            `json:"running"`
		OpenPositions int             `json:"open_positions"`
		Exposure      decimal.Decimal `json:"exposure"`
		WinRate       float64         `json:"win_rate"`
		Performance   struct {
			TotalTrades int             `json:"total_trades"`
			NetPnL      decimal.Decimal `json:"net_pnl"`
		} `json:"performance"`
	} `json:"strategies"`
	Risk struct {
		TotalExposure decimal.Decimal `json:"total_exposure"`
		TodayPnL      decimal.Decimal `json:"today_pnl"`
		EmergencyStop bool            `json:"emergency_stop"`
	} `json:"risk_metrics"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		baseURL string
		raw     bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				baseURL = "http://localhost:8080"
				if cfg, err := opts.load(); err == nil {
					baseURL = serverURL(cfg.Server.HTTPAddr)
				}
			}
			client := resty.New().SetBaseURL(baseURL).SetTimeout(5 * time.Second)
			var env statusEnvelope
			resp, err := client.R().SetContext(cmd.Context()).SetResult(&env).SetError(&env).Get("/api/v1/status")
			if err != nil {
				return fmt.Errorf("fetch status: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("fetch status: %s: %s", resp.Status(), env.Message)
			}
			if raw {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), string(resp.Body()))
				return err
			}
			var st statusView
			if err := json.Unmarshal(env.Data, &st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "bot HTTP address (default from server.http_addr)")
	cmd.Flags().BoolVar(&raw, "json", false, "print the raw JSON response")
	return cmd
}

func serverURL(addr string) string {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return "http://localhost:8080"
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return addr
	case strings.HasPrefix(addr, ":"):
		return "http://localhost" + addr
	default:
		return "http://" + addr
	}
}

func printStatus(out io.Writer, st statusView) error {
	if out == nil {
		return errors.New("no output")
	}
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(out, "Bot: %s (%s)\n", state, st.Mode)
	if st.StartedAt != nil {
		fmt.Fprintf(out, "Started: %s\n", st.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "Balance: $%s (start $%s, PnL $%s / %s%%)\n",
		st.Balance.StringFixed(2), st.StartingBalance.StringFixed(2), st.PnL.StringFixed(2), st.PnLPct.StringFixed(2))
	fmt.Fprintf(out, "Exposure: $%s  Today: $%s  Emergency stop: %t\n\n",
		st.Risk.TotalExposure.StringFixed(2), st.Risk.TodayPnL.StringFixed(2), st.Risk.EmergencyStop)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STRATEGY\tRUNNING\tOPEN\tEXPOSURE\tTRADES\tNET PNL\tWIN%")
	for _, s := range st.Strategies {
		fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%d\t%s\t%.1f\n",
			s.Name, s.Running, s.OpenPositions, s.Exposure.StringFixed(2),
			s.Performance.TotalTrades, s.Performance.NetPnL.StringFixed(2), s.WinRate)
	}
	return w.Flush()
}
