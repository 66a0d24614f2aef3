// Command seat_audit cross-checks every section's seat counter against the
// number of active registrations in the ledger. Counters and ledger rows are
// written in the same transaction, so any drift means an out-of-band write
// and is worth paging on. Exits non-zero when drift is found.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type driftRow struct {
	SectionID    string `db:"section_id"`
	Code         string `db:"code"`
	CurrentCount int    `db:"current_count"`
	LedgerCount  int    `db:"ledger_count"`
	MaxCapacity  int    `db:"max_capacity"`
}

func main() {
	var (
		dsn     string
		timeout time.Duration
	)
	flag.StringVar(&dsn, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "query timeout")
	flag.Parse()

	if dsn == "" {
		log.Fatal("missing -dsn (or DATABASE_URL)")
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	const query = `
        SELECT s.id AS section_id, s.code, s.current_count, s.max_capacity,
               COUNT(r.id) FILTER (WHERE r.status <> 'CANCELLED') AS ledger_count
        FROM sections s
        LEFT JOIN registrations r ON r.section_id = s.id
        GROUP BY s.id, s.code, s.current_count, s.max_capacity
        HAVING s.current_count <> COUNT(r.id) FILTER (WHERE r.status <> 'CANCELLED')
            OR s.current_count > s.max_capacity
            OR s.current_count < 0`

	var drift []driftRow
	if err := db.SelectContext(ctx, &drift, query); err != nil {
		log.Fatalf("audit query: %v", err)
	}

	if len(drift) == 0 {
		fmt.Println("seat counters consistent")
		return
	}

	for _, row := range drift {
		fmt.Printf("DRIFT section=%s code=%s counter=%d ledger=%d max=%d\n",
			row.SectionID, row.Code, row.CurrentCount, row.LedgerCount, row.MaxCapacity)
	}
	os.Exit(1)
}
