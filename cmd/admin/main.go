package main

import (
	"context"
	"io"

	"github.com/gomodule/redigo/redis"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/taskhub/internal/app"
	"github.com/taskhub/internal/cache"
	"github.com/taskhub/internal/service"
	"github.com/taskhub/internal/store"
)

// offline marks commands that work from the config alone.
const offline = "offline"

// adminUser is the principal maintenance commands act as.
var adminUser = &store.User{Name: "admin", Admin: true}

type Dependencies struct {
	Config   *app.Config
	Pool     *pgxpool.Pool
	Redis    *redis.Pool
	Services *service.Dependencies
}

func (d *Dependencies) Tasks() *service.TaskService       { return service.NewTaskService(d.Services) }
func (d *Dependencies) Projects() *service.ProjectService { return service.NewProjectService(d.Services) }
func (d *Dependencies) Users() *service.UserService       { return service.NewUserService(d.Services) }

func (d *Dependencies) connect(ctx context.Context) error {
	if d.Pool == nil {
		pool, err := store.Open(ctx, d.Config.Database)
		if err != nil {
			return err
		}
		d.Pool = pool
	}
	if d.Redis == nil {
		redisPool, err := cache.NewPool(ctx, d.Config)
		if err != nil {
			return err
		}
		d.Redis = redisPool
	}
	d.Services = service.NewDependencies(d.Config, d.Pool, d.Redis)
	return nil
}

func (d *Dependencies) close() {
	if d.Pool != nil {
		d.Pool.Close()
		d.Pool = nil
	}
	if d.Redis != nil {
		_ = d.Redis.Close()
		d.Redis = nil
	}
}

func main() {
	if err := newRootCmd(&Dependencies{}).ExecuteContext(context.Background()); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd(dependencies *Dependencies) *cobra.Command {
	var (
		configPath  string
		databaseURL string
		redisURL    string
		debugFlags  app.DebugFlags
	)

	rootCmd := &cobra.Command{
		Use:           "admin",
		Short:         "Maintenance tool for the taskhub crowdsourcing service.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dependencies.Config == nil {
				config, err := app.Load(configPath)
				if err != nil {
					return err
				}
				dependencies.Config = config
			}
			config := dependencies.Config
			if databaseURL != "" {
				config.Database.URL = databaseURL
			}
			if redisURL != "" {
				config.Redis.URL = redisURL
			}
			debugFlags.Apply(&config.Logging)
			if err := app.SetupLogging(config.Logging, cmd.ErrOrStderr()); err != nil {
				return err
			}

			if cmd.Annotations[offline] != "" {
				return nil
			}
			return dependencies.connect(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			dependencies.close()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "config.yaml", "Config file")
	flags.StringVar(&databaseURL, "database-url", "", "Database URL, overrides the config")
	flags.StringVar(&redisURL, "redis-url", "", "Redis URL, overrides the config")
	flags.BoolVarP(&debugFlags.Verbose, "verbose", "v", false, "Verbose logging")
	flags.BoolVarP(&debugFlags.Debug, "debug", "d", false, "Debug logging")

	rootCmd.AddCommand(cmdMigrate(dependencies))
	rootCmd.AddCommand(cmdProject(dependencies))
	rootCmd.AddCommand(cmdTask(dependencies))
	rootCmd.AddCommand(cmdUser(dependencies))
	rootCmd.AddCommand(cmdAccess(dependencies))
	rootCmd.AddCommand(cmdImport(dependencies))
	rootCmd.AddCommand(cmdConfig(dependencies))

	return rootCmd
}

func cmdMigrate(dependencies *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.Migrate(cmd.Context(), dependencies.Pool); err != nil {
				return err
			}
			logrus.Info("schema is up to date")
			return nil
		},
	}
}

func cmdConfig(dependencies *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration checks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:         "check",
		Short:       "Validate the configuration file",
		Annotations: map[string]string{offline: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := dependencies.Config.Validate(); err != nil {
				return err
			}
			_, err := io.WriteString(cmd.OutOrStdout(), "config is valid\n")
			return err
		},
	})
	return cmd
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}
