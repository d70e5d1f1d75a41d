package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/erdsync/internal/auth"
	"github.com/MarcoPoloResearchLab/erdsync/internal/config"
	"github.com/MarcoPoloResearchLab/erdsync/internal/database"
	"github.com/MarcoPoloResearchLab/erdsync/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newIssueTokenCommand() *cobra.Command {
	var (
		email       string
		displayName string
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Create a user session and print an access token for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}

			db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, zap.NewNop())
			if err != nil {
				return err
			}
			defer database.Close(db) //nolint:errcheck

			userService, err := users.NewService(users.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			user, err := userService.EnsureUser(cmd.Context(), email, displayName)
			if err != nil {
				return err
			}
			session, err := userService.CreateSession(cmd.Context(), user.ID, appConfig.TokenTTL)
			if err != nil {
				return err
			}

			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAccessToken(cmd.Context(), user.ID, session.ID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "user_id=%s\nsession_id=%s\nexpires_in=%d\naccess_token=%s\n", user.ID, session.ID, expiresIn, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email of the user to issue a token for")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name used when the user is created")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
