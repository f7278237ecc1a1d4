package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/avery/tally/internal/api"
	"github.com/avery/tally/internal/serverdb"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen <owner-id>",
	Short: "Mint an API key for an owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := api.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := serverdb.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open server db: %w", err)
		}
		defer store.Close()

		key, err := store.CreateAPIKey(args[0])
		if err != nil {
			return fmt.Errorf("create api key: %w", err)
		}
		fmt.Println(key)
		return nil
	},
}
