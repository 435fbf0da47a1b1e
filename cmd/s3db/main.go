// s3db - document database layered over an S3-compatible object store.
//
// Runs the background plugins (eventual-consistency consolidation,
// leader election) against an existing database, or repairs a
// resource's partition index in place.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/s3db-io/s3db"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "reconcile":
			runReconcile(os.Args[2:])
			return
		case "counter-audit":
			runCounterAudit(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	printHelp()
	os.Exit(1)
}

func printHelp() {
	fmt.Println(`s3db - document database over an S3-compatible object store

Usage:
  s3db serve [flags]          Run the coordinator and EC consolidator for one resource field
  s3db reconcile [flags]      Repair one resource's partition index against its records
  s3db counter-audit [flags]  Audit Redis-backed sequence counters, optionally repairing them

Serve flags:
  --conn string      Connection string (default "file://./data")
  --prefix string    Key prefix (default "s3db")
  --resource string  Resource name whose EC field to consolidate
  --field string     EC field name to consolidate

Reconcile flags:
  --conn string      Connection string (default "file://./data")
  --prefix string    Key prefix (default "s3db")
  --resource string  Resource name to reconcile

Counter-audit flags:
  --redis string    Redis address (default "localhost:6379")
  --pattern string  Redis key pattern to audit (default "counter:*")
  --repair string   If set, a counter key to repair
  --value int       The value to repair --repair's key to`)
}

func connect(conn, prefix string) *s3db.Database {
	logger, err := s3db.NewProductionZapLogger()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	metrics := s3db.NewPrometheusMetrics(nil)

	db, err := s3db.Connect(context.Background(), s3db.DatabaseConfig{
		ConnectionString: conn,
		Prefix:           prefix,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	return db
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	conn := fs.String("conn", "file://./data", "Connection string")
	prefix := fs.String("prefix", "s3db", "Key prefix")
	resourceName := fs.String("resource", "", "Resource name whose EC field to consolidate")
	fieldName := fs.String("field", "", "EC field name to consolidate")
	fs.Parse(args)

	if *resourceName == "" || *fieldName == "" {
		log.Fatal("serve requires --resource and --field")
	}

	log.SetFlags(log.Ltime | log.Lshortfile)
	db := connect(*conn, *prefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordinator := s3db.NewCoordinator(db, s3db.CoordinatorConfig{Namespace: *resourceName})
	if err := coordinator.Run(ctx); err != nil {
		log.Fatalf("coordinator failed to start: %v", err)
	}
	if err := db.InstallPlugin(ctx, "coordinator", func(context.Context) error {
		coordinator.Stop()
		return nil
	}); err != nil {
		log.Fatalf("failed to install coordinator plugin: %v", err)
	}

	consolidator, err := s3db.NewECConsolidator(ctx, db, *resourceName, *fieldName, s3db.DefaultECConfig())
	if err != nil {
		log.Fatalf("failed to create consolidator: %v", err)
	}
	consolidator.Start(ctx)
	if err := db.InstallPlugin(ctx, "ec_consolidator:"+*resourceName+"."+*fieldName, func(context.Context) error {
		consolidator.Stop()
		return nil
	}); err != nil {
		log.Fatalf("failed to install consolidator plugin: %v", err)
	}

	log.Printf("s3db serving resource=%s field=%s worker=%s", *resourceName, *fieldName, coordinator.WorkerID())
	<-ctx.Done()

	log.Printf("shutting down")
	if err := db.Disconnect(context.Background(), 10*time.Second); err != nil {
		log.Fatalf("disconnect: %v", err)
	}
}

func runReconcile(args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	conn := fs.String("conn", "file://./data", "Connection string")
	prefix := fs.String("prefix", "s3db", "Key prefix")
	resourceName := fs.String("resource", "", "Resource name to reconcile")
	fs.Parse(args)

	if *resourceName == "" {
		log.Fatal("reconcile requires --resource")
	}

	db := connect(*conn, *prefix)

	resource, err := db.Resource(*resourceName)
	if err != nil {
		log.Fatalf("failed to load resource: %v", err)
	}

	report, err := resource.Reconcile(context.Background())
	if err != nil {
		log.Fatalf("reconcile failed: %v", err)
	}

	fmt.Printf("validated=%d repaired=%d missing=%d orphaned=%d errors=%d\n",
		report.Validated, report.Repaired, len(report.MissingEntries), len(report.OrphanedEntries), len(report.Errors))
	for _, e := range report.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}

func runCounterAudit(args []string) {
	fs := flag.NewFlagSet("counter-audit", flag.ExitOnError)
	redisAddr := fs.String("redis", "localhost:6379", "Redis address")
	pattern := fs.String("pattern", "counter:*", "Redis key pattern to audit")
	repairKey := fs.String("repair", "", "If set, a counter key to repair")
	repairValue := fs.Int64("value", 0, "The value to repair --repair's key to")
	fs.Parse(args)

	logger, err := s3db.NewProductionZapLogger()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	audit := s3db.NewCounterAudit(client, logger, s3db.NewPrometheusMetrics(nil))

	ctx := context.Background()

	if *repairKey != "" {
		if err := audit.RepairCounter(ctx, *repairKey, *repairValue); err != nil {
			log.Fatalf("repair failed: %v", err)
		}
		fmt.Printf("repaired %s -> %d\n", *repairKey, *repairValue)
		return
	}

	report, err := audit.Audit(ctx, &s3db.AuditOptions{
		Pattern:        *pattern,
		LargeThreshold: 1_000_000,
		CheckNegative:  true,
		CheckZero:      false,
	})
	if err != nil {
		log.Fatalf("audit failed: %v", err)
	}

	fmt.Printf("total=%d invalid=%d negative=%d large=%d\n",
		report.TotalCounters, len(report.InvalidCounters), len(report.NegativeCounters), len(report.LargeCounters))
	for _, w := range report.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}
