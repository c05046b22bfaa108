package main

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"rewardpool/crypto"
	"rewardpool/services/rewardsd/middleware"
)

// call runs one API request bounded by the configured timeout.
func call(cmd *cobra.Command, opts *options, method, path, scope string, body any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()
	return newClient(opts).do(ctx, cmd.OutOrStdout(), method, path, scope, body)
}

func accountPath(raw, suffix string) (string, error) {
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return "", err
	}
	return "/v1/accounts/" + addr.String() + "/" + suffix, nil
}

func stateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show global points, weights and reserves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodGet, "/v1/state", middleware.ScopeRead, nil)
		},
	}
}

func accountReadCmd(opts *options, use, short, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [address]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := accountPath(args[0], suffix)
			if err != nil {
				return err
			}
			return call(cmd, opts, http.MethodGet, path, middleware.ScopeRead, nil)
		},
	}
}

func shareCmd(opts *options) *cobra.Command {
	return accountReadCmd(opts, "share", "Show an account's share of total points", "share")
}

func earnedCmd(opts *options) *cobra.Command {
	return accountReadCmd(opts, "earned", "Preview claimable rewards and owed payouts", "earned")
}

func checkpointCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint [address]",
		Short: "Bring an account's points up to date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := accountPath(args[0], "checkpoint")
			if err != nil {
				return err
			}
			return call(cmd, opts, http.MethodPost, path, middleware.ScopeWrite, nil)
		},
	}
}

func claimCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "claim [address]",
		Short: "Settle an account's points into reward payouts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := accountPath(args[0], "claim")
			if err != nil {
				return err
			}
			return call(cmd, opts, http.MethodPost, path, middleware.ScopeWrite, nil)
		},
	}
}

func stakeCmd(opts *options, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " [address] [amount]",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := accountPath(args[0], op)
			if err != nil {
				return err
			}
			body := map[string]string{"amount": strings.TrimSpace(args[1])}
			return call(cmd, opts, http.MethodPost, path, middleware.ScopeWrite, body)
		},
	}
}

func harvestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "harvest",
		Short: "Harvest pending rewards and skim the protocol fee",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodPost, "/v1/harvest", middleware.ScopeWrite, nil)
		},
	}
}

func fundCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fund [token] [amount]",
		Short: "Credit pending rewards to the pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"token": args[0], "amount": strings.TrimSpace(args[1])}
			return call(cmd, opts, http.MethodPost, "/v1/rewards/fund", middleware.ScopeAdmin, body)
		},
	}
}

func sweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep [token] [destination]",
		Short: "Transfer the protocol reserve of a token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := crypto.DecodeAddress(args[1])
			if err != nil {
				return err
			}
			path := "/v1/reserves/" + url.PathEscape(strings.ToUpper(strings.TrimSpace(args[0]))) + "/sweep"
			return call(cmd, opts, http.MethodPost, path, middleware.ScopeAdmin, map[string]string{"destination": dest.String()})
		},
	}
}

type journalFlags struct {
	Type    string
	Account string
	Token   string
	Since   string
	Until   string
	Limit   int
}

func (f *journalFlags) register(cmd *cobra.Command, withLimit bool) {
	cmd.Flags().StringVar(&f.Type, "type", "", "Event type, e.g. rewards.paid")
	cmd.Flags().StringVar(&f.Account, "account", "", "Account address")
	cmd.Flags().StringVar(&f.Token, "token", "", "Reward token")
	cmd.Flags().StringVar(&f.Since, "since", "", "Lower bound (RFC3339 or unix seconds)")
	cmd.Flags().StringVar(&f.Until, "until", "", "Upper bound (RFC3339 or unix seconds)")
	if withLimit {
		cmd.Flags().IntVar(&f.Limit, "limit", 0, "Maximum entries to return")
	}
}

func (f *journalFlags) query() string {
	values := url.Values{}
	set := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			values.Set(key, value)
		}
	}
	set("type", f.Type)
	set("account", f.Account)
	set("token", f.Token)
	set("since", f.Since)
	set("until", f.Until)
	if f.Limit > 0 {
		values.Set("limit", strconv.Itoa(f.Limit))
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func journalCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and export the audit journal",
	}

	var list journalFlags
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodGet, "/v1/journal"+list.query(), middleware.ScopeRead, nil)
		},
	}
	list.register(listCmd, true)

	var export journalFlags
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export journal entries to parquet on the daemon host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]string{}
			for key, value := range map[string]string{
				"type":    export.Type,
				"account": export.Account,
				"token":   export.Token,
				"since":   export.Since,
				"until":   export.Until,
			} {
				if value = strings.TrimSpace(value); value != "" {
					body[key] = value
				}
			}
			return call(cmd, opts, http.MethodPost, "/v1/journal/export", middleware.ScopeAdmin, body)
		},
	}
	export.register(exportCmd, false)

	cmd.AddCommand(listCmd, exportCmd)
	return cmd
}
