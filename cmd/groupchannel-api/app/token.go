package app

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/studyhub/groupchannel/internal/auth"
	"github.com/studyhub/groupchannel/internal/config"
)

const defaultTokenTTL = 24 * time.Hour

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a token for a run or for group administration",
		Long: `Issue a token signed with the key of the configuration file.

Examples:
  # Token for run r1 of group g1
  groupchannel-api token --config config.yaml --group g1 --run r1

  # Admin token valid for one hour
  groupchannel-api token --config config.yaml --admin --ttl 1h`,
		RunE: runToken,
	}

	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	cmd.Flags().String("group", "", "Group the token grants access to")
	cmd.Flags().String("run", "", "Run the token grants access to")
	cmd.Flags().Bool("admin", false, "Issue an admin token")
	cmd.Flags().Duration("ttl", defaultTokenTTL, "Token lifetime")

	if err := cmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
	return cmd
}

func runToken(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	group, _ := flags.GetString("group")
	run, _ := flags.GetString("run")
	admin, _ := flags.GetBool("admin")
	ttl, err := flags.GetDuration("ttl")
	if err != nil {
		return fmt.Errorf("failed to get ttl flag: %w", err)
	}

	if !admin && (group == "" || run == "") {
		return fmt.Errorf("either --admin or both --group and --run are required")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.GetAuthMode() != config.AuthModeToken {
		return fmt.Errorf("tokens require the %s auth mode", config.AuthModeToken)
	}

	tokenCfg := cfg.Auth.Token
	key, err := tokenCfg.GetSigningKey()
	if err != nil {
		return err
	}

	now := time.Now()
	claims := auth.Claims{
		Group: group,
		Run:   run,
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenCfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if tokenCfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{tokenCfg.Audience}
	}

	token, err := auth.IssueToken(key, claims)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
