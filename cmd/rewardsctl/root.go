package main

import (
	"time"

	"github.com/spf13/cobra"
)

const defaultSecretEnv = "REWARDS_HMAC_SECRET"

type options struct {
	Server    string
	Timeout   time.Duration
	Token     string
	Mint      bool
	SecretEnv string
	Issuer    string
	Audience  string
	Subject   string
}

// newRootCmd builds the command tree. Each call returns an independent tree so
// tests can execute commands in isolation.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "rewardsctl",
		Short:         "Operate the rewards ledger daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.Server, "server", "s", "http://127.0.0.1:8088", "rewardsd base URL")
	flags.DurationVarP(&opts.Timeout, "timeout", "t", 10*time.Second, "Timeout for API requests (i.e. 10s, 1m)")
	flags.StringVar(&opts.Token, "token", "", "Bearer token sent with every request")
	flags.BoolVar(&opts.Mint, "mint", false, "Mint a short-lived token for each request from the shared secret")
	flags.StringVar(&opts.SecretEnv, "secret-env", defaultSecretEnv, "Environment variable holding the HMAC secret")
	flags.StringVar(&opts.Issuer, "issuer", "rewardsctl", "Issuer claim for minted tokens")
	flags.StringVar(&opts.Audience, "audience", "", "Audience claim for minted tokens")
	flags.StringVar(&opts.Subject, "subject", "operator", "Subject claim for minted tokens")

	cmd.AddCommand(
		stateCmd(opts),
		shareCmd(opts),
		earnedCmd(opts),
		checkpointCmd(opts),
		claimCmd(opts),
		stakeCmd(opts, "deposit", "Deposit stake for an account"),
		stakeCmd(opts, "withdraw", "Withdraw stake for an account"),
		harvestCmd(opts),
		fundCmd(opts),
		sweepCmd(opts),
		journalCmd(opts),
		tokenCmd(opts),
	)
	return cmd
}
