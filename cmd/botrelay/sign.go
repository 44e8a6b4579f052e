package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/botrelay/internal/config"
	"github.com/comigor/botrelay/internal/signature"
)

func signCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Print the webhook signature for a payload (stdin when no file is given)",
		Long: `Compute the base64 HMAC-SHA256 signature the relay expects in the
webhook signature header. Useful for replaying captured payloads:

  botrelay sign payload.json
  curl -H "X-Webhook-Signature: $(botrelay sign payload.json)" --data-binary @payload.json localhost:5005/webhook`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				secret = cfg.Webhook.Secret
			}
			key, err := signature.DecodeSecret(secret)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			payload, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signature.Sign(payload, key))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "webhook secret (defaults to the configured one)")
	return cmd
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		if err := os.Setenv("CONFIG_PATH", configPath); err != nil {
			return nil, err
		}
	}
	return config.Load()
}
