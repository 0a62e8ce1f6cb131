package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/enrollment"
	"classattend/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "attendctl",
		Short:         "Administrative tasks for classattend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSessionCommand())
	cmd.AddCommand(newEnrollCommand())
	cmd.AddCommand(newTokenCommand())
	return cmd
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withRegistry opens Postgres, runs fn against the enrollment registry and
// closes the connection.
func withRegistry(cmd *cobra.Command, fn func(ctx context.Context, reg enrollment.Registry) error) error {
	ctx := contextOf(cmd)
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, enrollment.NewPostgres(db.Client, cfg.StoreTimeout))
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOf(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			db, err := store.NewDB(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newSessionAddCommand())
	cmd.AddCommand(newSessionListCommand())
	return cmd
}

func newSessionAddCommand() *cobra.Command {
	var s enrollment.Session

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or rename a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, reg enrollment.Registry) error {
				saved, err := reg.UpsertSession(ctx, s)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s saved (instructor %s)\n", saved.Ref, saved.InstructorRef)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&s.Ref, "ref", "", "Session reference")
	cmd.Flags().StringVar(&s.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&s.InstructorRef, "instructor", "", "Subject of the teaching instructor")
	_ = cmd.MarkFlagRequired("ref")
	_ = cmd.MarkFlagRequired("instructor")
	return cmd
}

func newSessionListCommand() *cobra.Command {
	var instructor string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, reg enrollment.Registry) error {
				sessions, err := reg.SessionsTaughtBy(ctx, instructor)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "REF\tNAME\tINSTRUCTOR")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%s\n", s.Ref, s.Name, s.InstructorRef)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&instructor, "instructor", "", "Only sessions taught by this subject")
	return cmd
}

func newEnrollCommand() *cobra.Command {
	var subject, session string

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll a subject in a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, reg enrollment.Registry) error {
				if err := reg.Enroll(ctx, subject, session); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s enrolled in %s\n", subject, session)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subject to enroll")
	cmd.Flags().StringVar(&session, "session", "", "Session reference")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer JWT for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !auth.ValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := config.Load(contextOf(cmd))
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.AccessTTL
			}
			tok, exp, err := auth.Mint(subject, role, cfg.JWTIssuer, cfg.JWTSigningKey, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().StringVar(&role, "role", auth.RoleStudent, "admin, instructor or student")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Lifetime (defaults to ACCESS_TTL)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
