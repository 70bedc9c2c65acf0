// Command admin releases payjoin outpoint locks left behind by aborted
// negotiations. Point it at the same database the watcher uses.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	olderThan := flag.Duration("older-than", 24*time.Hour, "Only release locks held longer than this")
	flag.Parse()

	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "missing -db flag or DATABASE_URL")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", *dbURL)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	res, err := db.Exec(
		`DELETE FROM payjoin_locks WHERE locked_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	if err != nil {
		panic(err)
	}

	n, _ := res.RowsAffected()
	fmt.Printf("Released %d stale payjoin locks\n", n)
}
