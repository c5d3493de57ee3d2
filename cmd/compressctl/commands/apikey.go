package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/compressd/internal/api/middleware"
	"github.com/kiranshivaraju/compressd/internal/store"
	"github.com/kiranshivaraju/compressd/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

const rawKeyBytes = 24

func init() {
	apiKeyCmd.AddCommand(createAPIKeyCmd)
	apiKeyCmd.AddCommand(listAPIKeysCmd)
	apiKeyCmd.AddCommand(revokeAPIKeyCmd)

	createAPIKeyCmd.Flags().StringP("name", "n", "", "human readable name of the key")
	createAPIKeyCmd.Flags().StringSlice("scopes", []string{models.ScopeRead, models.ScopeWrite}, "scopes granted to the key (read, write)")
	_ = createAPIKeyCmd.MarkFlagRequired("name")

	revokeAPIKeyCmd.Flags().StringP("id", "i", "", "ID of the key to revoke")
	_ = revokeAPIKeyCmd.MarkFlagRequired("id")
}

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

// GetAPIKeyCmd returns the apikey command
func GetAPIKeyCmd() *cobra.Command {
	return apiKeyCmd
}

var createAPIKeyCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key",
	Long:  "Create an API key. The raw key is printed once and cannot be recovered later.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, _ := cmd.Flags().GetString("name")
		scopes, _ := cmd.Flags().GetStringSlice("scopes")

		raw, key, err := newAPIKey(name, scopes, time.Now().UTC())
		if err != nil {
			return err
		}

		return withStore(cmd, func(ctx context.Context, s store.Store) error {
			if err := s.CreateAPIKey(ctx, key); err != nil {
				return fmt.Errorf("error creating api key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:     %s\n", key.ID)
			fmt.Fprintf(out, "name:   %s\n", key.Name)
			fmt.Fprintf(out, "scopes: %v\n", key.Scopes)
			fmt.Fprintf(out, "key:    %s\n", raw)
			return nil
		})
	},
}

var listAPIKeysCmd = &cobra.Command{
	Use:   "list",
	Short: "List active API keys",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, s store.Store) error {
			keys, err := s.ListAPIKeys(ctx)
			if err != nil {
				return fmt.Errorf("error fetching api keys: %w", err)
			}
			return printJSON(cmd, keys)
		})
	},
}

var revokeAPIKeyCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke an API key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rawID, _ := cmd.Flags().GetString("id")
		id, err := uuid.Parse(rawID)
		if err != nil {
			return fmt.Errorf("invalid key id %q: %w", rawID, err)
		}

		return withStore(cmd, func(ctx context.Context, s store.Store) error {
			if err := s.RevokeAPIKey(ctx, id); err != nil {
				return fmt.Errorf("error revoking api key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", id)
			return nil
		})
	},
}

// newAPIKey generates a raw key and the record that authenticates it. Only
// the bcrypt hash and the lookup prefix are kept on the record.
func newAPIKey(name string, scopes []string, now time.Time) (string, *models.APIKey, error) {
	if name == "" {
		return "", nil, fmt.Errorf("key name must not be empty")
	}
	if len(scopes) == 0 {
		return "", nil, fmt.Errorf("at least one scope is required")
	}
	for _, s := range scopes {
		if s != models.ScopeRead && s != models.ScopeWrite {
			return "", nil, fmt.Errorf("unknown scope %q", s)
		}
	}

	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	scopes = slices.Clone(scopes)
	slices.Sort(scopes)
	scopes = slices.Compact(scopes)

	return raw, &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
