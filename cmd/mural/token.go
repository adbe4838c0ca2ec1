package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mural/client"
	"mural/config"
)

func tokenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Fetch paint tokens for every configured account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			api := client.NewAPI(cfg.APIBase)

			failed := 0
			for _, acct := range cfg.Accounts {
				if acct.AccessKey == "" {
					fmt.Printf("%d\t%s\t(pre-supplied)\n", acct.UID, acct.Token)
					continue
				}
				tok, err := api.Token(cmd.Context(), acct.UID, acct.AccessKey)
				if err != nil {
					failed++
					fmt.Printf("%d\terror: %v\n", acct.UID, err)
					continue
				}
				fmt.Printf("%d\t%s\n", acct.UID, tok)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d accounts failed", failed, len(cfg.Accounts))
			}
			return nil
		},
	}
}
