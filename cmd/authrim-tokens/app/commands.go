// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the commands of the authrim-tokens CLI.
package app

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sgrastar/authrim/pkg/config"
	"github.com/sgrastar/authrim/pkg/logger"
	"github.com/sgrastar/authrim/pkg/shard"
	"github.com/sgrastar/authrim/pkg/versions"
)

// NewRootCmd creates the root command. Each call returns an independent
// command tree with its own viper instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:               "authrim-tokens",
		DisableAutoGenTag: true,
		Short:             "Sharded authorization code and refresh token store",
		Long: `authrim-tokens stores OAuth 2.0 authorization codes and refresh token
families across region-aware shards. Shard layouts are versioned as
generations so a group can be resharded without invalidating tokens issued
under earlier layouts.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			opts := logger.Options{Format: v.GetString("log-format")}
			if v.GetBool("debug") {
				opts.Level = "debug"
			}
			logger.Initialize(opts)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := v.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the server configuration file")
	if err := v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json")
	if err := v.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format")); err != nil {
		logger.Errorf("Error binding log-format flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newValidateCmd(v))
	rootCmd.AddCommand(newLayoutCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(info)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "authrim-tokens %s (commit %s, built %s, %s %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newValidateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [group-file]",
		Short: "Validate a shard group file or the server configuration",
		Long: `Validate runs every shard group check against the group configuration in
group-file and prints each result. Without an argument it loads the server
configuration named by --config and validates it together with every
shard group it declares.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cfg, err := shard.LoadGroupConfig(args[0])
				if err != nil {
					return err
				}
				res := shard.Validate(cfg)
				printChecks(cmd.OutOrStdout(), cfg, res)
				return res.Err()
			}

			cfg, err := config.Load(v, v.GetString("config"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}
			for _, g := range cfg.Groups {
				printChecks(cmd.OutOrStdout(), g, shard.Validate(g))
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return err
		},
	}
}

func newLayoutCmd() *cobra.Command {
	var shards int
	cmd := &cobra.Command{
		Use:   "layout <group-file>",
		Short: "Print the region layout a shard group resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shard.LoadGroupConfig(args[0])
			if err != nil {
				return err
			}
			if shards > 0 {
				cfg.TotalShards = shards
			}
			res := shard.Validate(cfg)
			if !res.Valid {
				printChecks(cmd.OutOrStdout(), cfg, res)
				return res.Err()
			}
			return printLayout(cmd.OutOrStdout(), cfg, res.Layout)
		},
	}
	cmd.Flags().IntVar(&shards, "shards", 0, "Override totalShards, e.g. to preview a migration")
	return cmd
}

func printChecks(w io.Writer, cfg *shard.GroupConfig, res *shard.ValidationResult) {
	_, _ = fmt.Fprintf(w, "group %s:\n", cfg.Key())
	for _, c := range res.Checks {
		mark := "ok"
		if !c.Passed {
			mark = "FAIL"
		}
		if c.Message != "" {
			_, _ = fmt.Fprintf(w, "  %-4s %s: %s\n", mark, c.Name, c.Message)
			continue
		}
		_, _ = fmt.Fprintf(w, "  %-4s %s\n", mark, c.Name)
	}
}

func printLayout(w io.Writer, cfg *shard.GroupConfig, layout []shard.RegionRange) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "REGION\tPERCENT\tSHARDS\tRANGE\n")
	for _, r := range layout {
		_, _ = fmt.Fprintf(tw, "%s\t%d%%\t%d\t[%d, %d]\n",
			r.Region, cfg.RegionDistribution[r.Region], r.Count(), r.StartShard, r.EndShard)
	}
	_, _ = fmt.Fprintf(tw, "total\t\t%d\t\n", cfg.TotalShards)
	return tw.Flush()
}
