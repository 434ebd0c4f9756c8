package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/pkg/identity"
)

var (
	tokenUser   string
	tokenTenant string
	tokenPerms  []string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed bearer token for local development",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (required)")
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant id (required)")
	tokenCmd.Flags().StringSliceVar(&tokenPerms, "perm", nil, "permission to grant (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	if tokenUser == "" || tokenTenant == "" {
		return fmt.Errorf("--user and --tenant are required")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("auth secret is not configured (set auth.secret or LOOM_AUTH_SECRET)")
	}

	verifier := identity.NewJWTVerifier(cfg.Auth.Secret)
	token, err := verifier.Sign(identity.Identity{
		UserID:      tokenUser,
		TenantID:    tokenTenant,
		Permissions: tokenPerms,
	}, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Println(token)
	return nil
}
