package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/evolvechat/evolvechat/internal/identity"
)

func newTokenCmd() *cobra.Command {
	var (
		id     string
		name   string
		secret string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development connection token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			token, err := identity.NewJWTResolver(secret).Mint(id, name, ttl)
			if err != nil {
				return fmt.Errorf("mint token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "session id (shown to other users)")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to id)")
	cmd.Flags().StringVar(&secret, "secret", "dev-secret-change-me", "JWT signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
