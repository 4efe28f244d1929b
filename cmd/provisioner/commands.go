package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/skydesk/odoo-provisioner/internal/audit"
	"github.com/skydesk/odoo-provisioner/internal/config"
	"github.com/skydesk/odoo-provisioner/internal/input"
	"github.com/skydesk/odoo-provisioner/internal/notify"
	"github.com/skydesk/odoo-provisioner/internal/provision"
	"github.com/skydesk/odoo-provisioner/internal/session"
	"github.com/skydesk/odoo-provisioner/internal/transport"
)

func newImportCmd(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Provision every account in the source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			trail, err := audit.Open(cfg.Audit.Path)
			if err != nil {
				return err
			}
			defer trail.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open source file: %w", err)
			}
			defer f.Close()

			records, err := input.ReadRecords(f)
			if err != nil {
				return err
			}

			mailer := notify.NewMailer(cfg.SMTP, cfg.Odoo.URL, log)
			manager := session.NewManager(cfg, trail, log)
			importer := provision.NewImporter(manager, mailer, trail, log, cfg.Password.Length)

			summary, err := importer.Run(cmd.Context(), records)
			if err != nil {
				return err
			}

			fmt.Printf("provisioned %d/%d records (%d failed)\n",
				summary.Succeeded, summary.TotalRecords, summary.Failed)
			if summary.Failed > 0 {
				return &partialFailureError{failed: summary.Failed, total: summary.TotalRecords}
			}
			return nil
		},
	}
}

func newGroupsCmd(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "groups [pattern]",
		Short: "List platform groups, optionally filtered by name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			return withSession(cmd.Context(), log, func(ctx context.Context, env *cmdEnv) error {
				groups, err := env.accounts.ListGroups(ctx, env.sess, pattern)
				if err != nil {
					return err
				}
				for _, group := range groups {
					fmt.Printf("%d\t%s\t%s\n", group.ID, group.Name, group.Category)
				}
				return nil
			})
		},
	}
}

func newUpdateEmailCmd(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "update-email <login> <new-email>",
		Short: "Change an account's email and login",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), log, func(ctx context.Context, env *cmdEnv) error {
				id, err := env.accounts.FindAccount(ctx, env.sess, args[0])
				if err != nil {
					return err
				}
				return env.accounts.UpdateContact(ctx, env.sess, id, args[1])
			})
		},
	}
}

func newResetPasswordCmd(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password <login>",
		Short: "Set a freshly generated password on an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), log, func(ctx context.Context, env *cmdEnv) error {
				id, err := env.accounts.FindAccount(ctx, env.sess, args[0])
				if err != nil {
					return err
				}
				secret, err := env.accounts.ResetPassword(ctx, env.sess, id)
				if err != nil {
					return err
				}
				// The new secret goes to stdout only; it is redacted from
				// the audit trail.
				fmt.Println(secret)
				return nil
			})
		},
	}
}

func newDeleteCmd(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <login-or-id>",
		Short: "Delete an account and its group memberships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), log, func(ctx context.Context, env *cmdEnv) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					if id, err = env.accounts.FindAccount(ctx, env.sess, args[0]); err != nil {
						return err
					}
				}
				return env.accounts.Delete(ctx, env.sess, id)
			})
		},
	}
}

type cmdEnv struct {
	sess     *transport.Session
	backend  transport.Backend
	trail    *audit.Log
	accounts *provision.Service
}

// withSession loads configuration, opens the audit trail and a session, and
// hands a ready environment to fn.
func withSession(ctx context.Context, log zerolog.Logger, fn func(context.Context, *cmdEnv) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	trail, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer trail.Close()

	sess, backend, err := session.NewManager(cfg, trail, log).Open(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	return fn(ctx, &cmdEnv{
		sess:     sess,
		backend:  backend,
		trail:    trail,
		accounts: provision.NewService(backend, trail, log, cfg.Password.Length),
	})
}
