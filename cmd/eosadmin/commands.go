package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"eos/api/internal/authpw"
	"eos/api/internal/rbac"
	"eos/api/internal/session"
	"eos/api/internal/store"
)

// Operator actions are audited without a user and with this address.
const cliIP = "eosadmin"

var (
	ok   = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
	dim  = color.New(color.Faint).SprintFunc()
)

type env struct {
	dbPath   string
	redisURL string
	db     *sql.DB
	audit  *sql.DB
	store  *store.Store
}

func (e *env) open(ctx context.Context) error {
	db, err := store.Open(ctx, e.dbPath)
	if err != nil {
		return err
	}
	auditDB, err := store.OpenAudit(ctx, e.dbPath)
	if err != nil {
		db.Close()
		return err
	}
	policy := store.RetryPolicy{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxRetries: 5}
	e.db, e.audit = db, auditDB
	e.store = store.New(db, store.NewAuditWriter(auditDB, policy), policy)
	return nil
}

func (e *env) close() {
	if e.audit != nil {
		e.audit.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}

// revokeSessions drops the cached sessions of a user whose grants changed.
// Only a shared Redis store is reachable from here; an API process running
// on in-memory sessions keeps them until they expire.
func (e *env) revokeSessions(ctx context.Context, userID int64) {
	if e.redisURL == "" {
		fmt.Println(dim("no --redis-url: existing sessions of that user stay valid until they expire"))
		return
	}
	sessions, err := session.NewRedisStore(e.redisURL, time.Hour)
	if err != nil {
		fmt.Printf("%s revoke sessions: %v\n", warn("warning"), err)
		return
	}
	defer sessions.Close()
	if err := sessions.RevokeUser(ctx, userID); err != nil {
		fmt.Printf("%s revoke sessions: %v\n", warn("warning"), err)
		return
	}
	fmt.Printf("%s sessions of user %d\n", ok("revoked"), userID)
}

func newRootCommand() *cobra.Command {
	e := &env{}
	defaultPath := os.Getenv("EOS_DATABASE_PATH")
	if defaultPath == "" {
		defaultPath = "./data/eos.db"
	}

	root := &cobra.Command{
		Use:           "eosadmin",
		Short:         "Operator tools for the EOS tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.open(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) { e.close() },
	}
	root.PersistentFlags().StringVar(&e.dbPath, "db", defaultPath, "SQLite database file")
	root.PersistentFlags().StringVar(&e.redisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis session store to revoke sessions in")

	root.AddCommand(newMigrateCommand(e))
	root.AddCommand(newOrgCommand(e))
	root.AddCommand(newDivisionCommand(e))
	root.AddCommand(newUserCommand(e))
	root.AddCommand(newRoleCommand(e))
	root.AddCommand(newAuditCommand(e))
	return root
}

func newMigrateCommand(e *env) *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations, or revert the latest ones with --down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if down > 0 {
				reverted, err := store.RevertMigrations(ctx, e.db, down)
				if err != nil {
					return err
				}
				for _, v := range reverted {
					fmt.Printf("%s %s\n", warn("reverted"), v)
				}
				return nil
			}
			if err := store.ApplyMigrations(ctx, e.db); err != nil {
				return err
			}
			fmt.Println(ok("schema up to date"))
			return nil
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "number of migrations to revert")
	return cmd
}

func newOrgCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "org", Short: "Manage organizations"}
	var slugFlag string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := e.store.CreateOrganization(cmd.Context(), store.Actor{IP: cliIP}, store.OrganizationInput{Name: args[0], Slug: slugFlag})
			if err != nil {
				return err
			}
			fmt.Printf("%s organization %d %s\n", ok("created"), org.ID, dim(org.Slug))
			return nil
		},
	}
	create.Flags().StringVar(&slugFlag, "slug", "", "slug (derived from the name when empty)")
	cmd.AddCommand(create)
	return cmd
}

func newDivisionCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "division", Short: "Manage divisions"}
	var orgID int64
	var slugFlag, display string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a division under an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			div, err := e.store.CreateDivision(cmd.Context(), store.Actor{IP: cliIP}, store.DivisionInput{
				OrganizationID: orgID,
				Name:           args[0],
				DisplayName:    display,
				Slug:           slugFlag,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s division %d %s\n", ok("created"), div.ID, dim(div.FullSlug))
			return nil
		},
	}
	create.Flags().Int64Var(&orgID, "org", 0, "organization id")
	create.Flags().StringVar(&slugFlag, "slug", "", "slug (derived from the name when empty)")
	create.Flags().StringVar(&display, "display-name", "", "display name")
	_ = create.MarkFlagRequired("org")
	cmd.AddCommand(create)
	return cmd
}

func newUserCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	var email, fullName, password string
	create := &cobra.Command{
		Use:   "create USERNAME",
		Short: "Create a user with a password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			actor := store.Actor{IP: cliIP}
			if password == "" {
				password = os.Getenv("EOS_ADMIN_PASSWORD")
			}
			if len(password) < authpw.MinPasswordLength {
				return authpw.ErrWeakPassword
			}
			u, err := e.store.CreateUser(ctx, actor, store.UserInput{Username: args[0], Email: email, FullName: fullName})
			if err != nil {
				return err
			}
			auth := authpw.NewService(e.store, bcrypt.DefaultCost, nil)
			if err := auth.SetPassword(ctx, actor, u.ID, password); err != nil {
				return err
			}
			fmt.Printf("%s user %d %s\n", ok("created"), u.ID, dim(u.Email))
			return nil
		},
	}
	create.Flags().StringVar(&email, "email", "", "email address")
	create.Flags().StringVar(&fullName, "full-name", "", "full name")
	create.Flags().StringVar(&password, "password", "", "initial password (or EOS_ADMIN_PASSWORD)")
	_ = create.MarkFlagRequired("email")
	cmd.AddCommand(create)
	return cmd
}

func newRoleCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Grant and revoke roles"}

	var userID, divisionID, orgID int64
	var role string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role, globally or on one division",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := store.GrantInput{UserID: userID, RoleName: strings.ToUpper(role)}
			if rbac.Normalize(in.RoleName) == "" {
				return fmt.Errorf("unknown role %q", role)
			}
			if divisionID > 0 {
				in.DivisionID = &divisionID
			}
			if orgID > 0 {
				in.OrganizationID = &orgID
			}
			grantID, created, err := e.store.GrantRole(cmd.Context(), store.Actor{IP: cliIP}, in)
			if err != nil {
				return err
			}
			if !created {
				fmt.Printf("%s grant %d already active\n", warn("unchanged"), grantID)
				return nil
			}
			fmt.Printf("%s grant %d\n", ok("granted"), grantID)
			e.revokeSessions(cmd.Context(), userID)
			return nil
		},
	}
	grant.Flags().Int64Var(&userID, "user", 0, "user id")
	grant.Flags().StringVar(&role, "role", "", "PARENT_ADMIN, DIVISION_ADMIN, USER_RW or USER_RO")
	grant.Flags().Int64Var(&divisionID, "division", 0, "division id (global when omitted)")
	grant.Flags().Int64Var(&orgID, "org", 0, "organization id")
	_ = grant.MarkFlagRequired("user")
	_ = grant.MarkFlagRequired("role")

	revoke := &cobra.Command{
		Use:   "revoke GRANT_ID",
		Short: "Revoke a grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			grantID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid grant id %q", args[0])
			}
			owner, err := e.store.RevokeRole(cmd.Context(), store.Actor{IP: cliIP}, grantID)
			if err != nil {
				return err
			}
			fmt.Printf("%s grant %d of user %d\n", ok("revoked"), grantID, owner)
			e.revokeSessions(cmd.Context(), owner)
			return nil
		},
	}

	cmd.AddCommand(grant, revoke)
	return cmd
}

func newAuditCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Read the audit log"}
	var filter store.AuditFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := e.store.ListAudit(cmd.Context(), filter)
			if err != nil {
				return err
			}
			for i := len(items) - 1; i >= 0; i-- {
				r := items[i]
				who := "system"
				if r.Username != "" {
					who = r.Username
				}
				record := "-"
				if r.RecordID != nil {
					record = strconv.FormatInt(*r.RecordID, 10)
				}
				fmt.Printf("%s %-8s %s#%s %s %s\n",
					dim(r.CreatedAt.Format(time.RFC3339)),
					actionColor(r.Action),
					r.Table, record, who, dim(string(r.Changes)))
			}
			return nil
		},
	}
	tail.Flags().StringVar(&filter.Table, "table", "", "only this table")
	tail.Flags().Int64Var(&filter.DivisionID, "division", 0, "only this division")
	tail.Flags().Int64Var(&filter.OrganizationID, "org", 0, "only this organization")
	tail.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "number of entries")
	cmd.AddCommand(tail)
	return cmd
}

func actionColor(action string) string {
	switch action {
	case store.ActionDelete:
		return color.New(color.FgRed).Sprint(action)
	case store.ActionCreate:
		return ok(action)
	case store.ActionUpdate:
		return warn(action)
	default:
		return color.New(color.FgCyan).Sprint(action)
	}
}
