// Command roster-import loads confirmed subscribers into a list from a CSV
// file with an email column.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/db"
	"github.com/vdavid/mailgate/internal/db/migrations"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/roster"
)

func main() {
	path := flag.String("file", "", "CSV file to import (reads stdin when empty)")
	list := flag.String("list", "", "list to import into (the default list when empty)")
	flag.Parse()

	cfg, err := config.NewConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.Environment, cfg.LogLevel)

	in := io.Reader(os.Stdin)
	if *path != "" {
		f, err := os.Open(*path)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open roster file")
		}
		defer func() {
			_ = f.Close()
		}()
		in = f
	}

	ctx := context.Background()
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.CloseConnection(pool)

	result, err := importRoster(ctx, pool, roster.OptionsFromConfig(cfg), *list, in, logger)
	if err != nil {
		logger.WithError(err).Fatal("Import failed")
	}

	fmt.Printf("rows: %d, imported: %d, invalid: %d\n", result.Rows, result.Imported, len(result.Invalid))
	for _, addr := range result.Invalid {
		fmt.Printf("invalid: %q\n", addr)
	}
}

func importRoster(ctx context.Context, pool *pgxpool.Pool, opts roster.Options, list string, in io.Reader, logger logrus.FieldLogger) (*roster.ImportResult, error) {
	if err := migrations.Apply(ctx, pool); err != nil {
		return nil, err
	}

	service := roster.NewService(opts, db.NewSubscriberStore(pool), nil, logger)
	return service.ImportCSV(ctx, list, in)
}
