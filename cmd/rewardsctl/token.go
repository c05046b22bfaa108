package main

import (
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"rewardpool/services/rewardsd/middleware"
)

const defaultTokenTTL = 5 * time.Minute

type tokenClaims struct {
	Subject  string
	Issuer   string
	Audience string
	Scopes   []string
	TTL      time.Duration
}

func mintToken(secret string, claims tokenClaims) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("token secret required")
	}
	if claims.TTL <= 0 {
		claims.TTL = defaultTokenTTL
	}
	now := time.Now()
	mapClaims := jwt.MapClaims{
		"sub":   claims.Subject,
		"scope": strings.Join(claims.Scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(claims.TTL).Unix(),
	}
	if claims.Issuer != "" {
		mapClaims["iss"] = claims.Issuer
	}
	if claims.Audience != "" {
		mapClaims["aud"] = claims.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString([]byte(secret))
}

func tokenCmd(opts *options) *cobra.Command {
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token from the shared secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := newSecretSource(opts.SecretEnv).Get()
			if err != nil {
				return err
			}
			token, err := mintToken(secret, tokenClaims{
				Subject:  opts.Subject,
				Issuer:   opts.Issuer,
				Audience: opts.Audience,
				Scopes:   scopes,
				TTL:      ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{middleware.ScopeRead}, "Scopes granted by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
