package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"margin/api/internal/app"
	"margin/api/internal/authpw"
	"margin/api/internal/rbac"
	"margin/api/internal/store"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations and exit",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "down", Usage: "Roll back every applied migration instead"},
		},
		Action: func(c *cli.Context) error {
			cfg := loadedConfig(c)
			if !c.Bool("down") {
				db, err := openPostgres(c.Context, cfg)
				if err != nil {
					return err
				}
				return db.Close()
			}

			db, err := store.Open(c.Context, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()
			return store.RollbackMigrations(c.Context, db, cfg.MigrationsDir)
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Archive threads whose blocks are gone and restore those whose blocks are back",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "problem", Usage: "Problem `ID`", Required: true},
			&cli.StringFlag{Name: "blocks", Usage: "Comma-separated active block ids; empty archives every anchored thread"},
			&cli.StringFlag{Name: "as", Usage: "Moderator user `ID` to act as", Required: true},
		},
		Action: func(c *cli.Context) error {
			cfg := loadedConfig(c)
			db, err := openPostgres(c.Context, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			dataStore := store.NewPostgresStore(db)
			user, err := dataStore.GetUserByID(c.Context, c.String("as"))
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("user %s not found", c.String("as"))
			}
			if err != nil {
				return fmt.Errorf("load user: %w", err)
			}

			blocks := lo.FilterMap(strings.Split(c.String("blocks"), ","), func(id string, _ int) (string, bool) {
				id = strings.TrimSpace(id)
				return id, id != ""
			})
			service := app.New(cfg, dataStore, app.Options{})
			result, err := service.ArchiveOrphanedThreads(c.Context, app.Session{UserID: user.ID, UserName: user.DisplayName, Email: user.Email}, c.String("problem"), app.ReconcileInput{ActiveBlockIDs: blocks})
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "archived=%d restored=%d failed=%d\n", result.ArchivedCount, result.RestoredCount, result.FailedCount)
			return nil
		},
	}
}

const demoPassword = "margin-demo"

type demoUser struct {
	name  string
	email string
	role  rbac.Role
}

// seedDemo creates one class with a professor, a TA and two students so the
// in-memory server is usable straight away.
func seedDemo(ctx context.Context, mem *store.MemoryStore) error {
	passwords := authpw.NewService(mem)
	people := []demoUser{
		{"Prof Demo", "prof@margin.local", rbac.RoleProfessor},
		{"TA Demo", "ta@margin.local", rbac.RoleTA},
		{"Student One", "student1@margin.local", rbac.RoleStudent},
		{"Student Two", "student2@margin.local", rbac.RoleStudent},
	}

	users := make(map[rbac.Role][]store.User)
	for _, p := range people {
		user, err := passwords.SignUp(ctx, authpw.SignUpRequest{Email: p.email, Password: demoPassword, DisplayName: p.name})
		if err != nil {
			return fmt.Errorf("seed user %s: %w", p.email, err)
		}
		users[p.role] = append(users[p.role], user)
	}

	owner := users[rbac.RoleProfessor][0]
	mem.AddClass(store.Class{ID: "cls_demo", Name: "Demo Class", OwnerID: owner.ID})
	mem.AddClassInstance(store.ClassInstance{ID: "inst_demo", ClassID: "cls_demo", Term: "Demo", Status: "published"})
	for _, role := range []rbac.Role{rbac.RoleTA, rbac.RoleStudent} {
		for _, user := range users[role] {
			mem.AddMembership(store.Membership{
				InstanceID:  "inst_demo",
				UserID:      user.ID,
				Role:        string(role),
				Status:      rbac.StatusActive,
				Permissions: rbac.DefaultPermissions(role),
			})
		}
	}
	mem.AddProblem(store.Problem{ID: "prb_demo", AssignmentID: "asg_demo", ClassID: "cls_demo", Title: "Demo Problem"})

	log.Info().
		Str("class_id", "cls_demo").
		Str("problem_id", "prb_demo").
		Str("password", demoPassword).
		Strs("emails", lo.Map(people, func(p demoUser, _ int) string { return p.email })).
		Msg("seeded demo class")
	return nil
}
