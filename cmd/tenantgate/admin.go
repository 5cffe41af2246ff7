package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/tenantgate/internal/api"
	"github.com/oriys/tenantgate/internal/auth"
	"github.com/oriys/tenantgate/internal/cache"
	"github.com/oriys/tenantgate/internal/config"
	"github.com/oriys/tenantgate/internal/domain"
	"github.com/oriys/tenantgate/internal/logging"
	"github.com/oriys/tenantgate/internal/secrets"
	"github.com/oriys/tenantgate/internal/store"
	"github.com/oriys/tenantgate/internal/tenant"
	"github.com/oriys/tenantgate/internal/tenantdb"
)

func openStore(ctx context.Context) (*store.PostgresStore, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cipher, err := secrets.NewCipherFromSecret(cfg.Encryption.Key, secrets.PurposeConnectionStrings)
	if err != nil {
		return nil, nil, fmt.Errorf("connection string cipher: %w", err)
	}
	st, err := store.NewPostgresStore(ctx, cfg.Database.MainDSN, cipher)
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

// notifyInstances tells running servers to drop their state for keys. It
// does nothing unless the servers share Redis. Subuser keys are also removed
// from the shared memo, since the receiving servers only clear their own.
func notifyInstances(ctx context.Context, cfg *config.Config, keys ...string) {
	if !cfg.Tenancy.SharedCache {
		return
	}
	client := newRedisClient(cfg)
	defer client.Close()

	inv := cache.NewInvalidator(client)
	defer inv.Close()
	shared := tenant.NewResolver(nil, nil, nil, tenant.ResolverOptions{Memo: cache.NewRedisCache(client, "")})
	if err := publishInvalidations(ctx, inv, shared.Forget, keys...); err != nil {
		logging.Op().Warn("running servers were not notified", "error", err)
	}
}

func publishInvalidations(ctx context.Context, pub api.InvalidationPublisher, forgetSubuser func(ctx context.Context, email string), keys ...string) error {
	var errs []error
	for _, key := range keys {
		if email, ok := tenant.ParseSubuserInvalidationKey(key); ok {
			forgetSubuser(ctx, email)
		}
		if err := pub.Publish(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func printConfig(cfg *domain.TenantDatabaseConfig) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Owner:\t%s\n", cfg.OwnerEmail)
	fmt.Fprintf(w, "Type:\t%s\n", cfg.DatabaseType)
	fmt.Fprintf(w, "Active:\t%v\n", cfg.IsActive)
	fmt.Fprintf(w, "Test status:\t%s\n", cfg.TestStatus)
	if cfg.LastTestedAt != nil {
		fmt.Fprintf(w, "Last tested:\t%s\n", cfg.LastTestedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Updated:\t%s\n", cfg.UpdatedAt.Format(time.RFC3339))
	w.Flush()
}

func databaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "database",
		Aliases: []string{"db"},
		Short:   "Manage private-cloud tenant databases",
	}
	cmd.AddCommand(dbSetCmd(), dbShowCmd(), dbTestCmd(), dbDeactivateCmd())
	return cmd
}

func dbSetCmd() *cobra.Command {
	var (
		owner    string
		dbType   string
		dsn      string
		inactive bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace the private database of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := domain.ParseDatabaseType(dbType)
			if !ok {
				return fmt.Errorf("unsupported database type %q", dbType)
			}
			ctx := context.Background()
			st, appCfg, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SaveTenantDatabaseConfig(ctx, &domain.TenantDatabaseConfig{
				OwnerEmail:       owner,
				ConnectionString: dsn,
				DatabaseType:     t,
				IsActive:         !inactive,
			}); err != nil {
				return err
			}
			notifyInstances(ctx, appCfg, domain.NormalizeEmail(owner))
			cfg, err := st.GetTenantDatabaseConfig(ctx, domain.NormalizeEmail(owner))
			if err != nil {
				return err
			}
			printConfig(cfg)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Account email")
	cmd.Flags().StringVar(&dbType, "type", "postgresql", "Database type (mysql, postgresql, sqlserver)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Connection string")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Store the config without activating it")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("dsn")
	return cmd
}

func dbShowCmd() *cobra.Command {
	var (
		owner  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the private database of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			cfg, err := st.GetTenantDatabaseConfig(ctx, domain.NormalizeEmail(owner))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			}
			printConfig(cfg)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Account email")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func dbTestCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test the private database connection of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			provider := tenantdb.NewProvider(tenantdb.NewMainHandle(nil, domain.DatabasePostgreSQL), st, tenantdb.DefaultOptions())
			defer provider.Close()

			cfg, err := provider.TestConnection(ctx, owner)
			if err != nil {
				return err
			}
			printConfig(cfg)
			if cfg.TestStatus != domain.TestStatusSuccess {
				return fmt.Errorf("connection test failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Account email")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func dbDeactivateCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Return an account to the main database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, cfg, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeactivateTenantDatabaseConfig(ctx, owner); err != nil {
				return err
			}
			notifyInstances(ctx, cfg, domain.NormalizeEmail(owner))
			fmt.Printf("Deactivated private database of %s\n", domain.NormalizeEmail(owner))
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Account email")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func subuserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subuser",
		Short: "Manage subuser links in the main database",
	}

	var (
		email  string
		parent string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Link a subuser to its parent account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, cfg, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SaveUser(ctx, parent); err != nil {
				return err
			}
			if err := st.SaveSubuser(ctx, email, parent); err != nil {
				return err
			}
			notifyInstances(ctx, cfg, tenant.SubuserInvalidationKey(email))
			fmt.Printf("Linked %s to %s\n", domain.NormalizeEmail(email), domain.NormalizeEmail(parent))
			return nil
		},
	}
	add.Flags().StringVar(&email, "email", "", "Subuser email")
	add.Flags().StringVar(&parent, "parent", "", "Parent account email")
	add.MarkFlagRequired("email")
	add.MarkFlagRequired("parent")

	cmd.AddCommand(add)
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random key for Encryption:Key or Encryption:ResponseKey",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		email    string
		userType string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.Algorithm != "HS256" || cfg.Auth.Secret == "" {
				return fmt.Errorf("token minting requires Auth:Algorithm HS256 and Auth:Secret")
			}
			token, err := auth.SignHS256(cfg.Auth.Secret, email, domain.ParseUserType(userType), cfg.Auth.Issuer, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Caller email")
	cmd.Flags().StringVar(&userType, "user-type", "user", "user or subuser")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("email")
	return cmd
}
