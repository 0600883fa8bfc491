package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snarg/media-scribe/internal/stitch"
)

func main() {
	pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "gaps" {
		investigateGaps(ctx, pool)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "fail-stale" {
		dryRun := !(len(os.Args) > 2 && os.Args[2] == "apply")
		failStale(ctx, pool, dryRun)
		return
	}

	// Default: table counts and status breakdown
	fmt.Println("Table                    Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range []string{"jobs", "job_chunks"} {
		var count int64
		pool.QueryRow(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("%-25s %d\n", t, count)
	}

	fmt.Println("\n── Jobs By Status ──")
	rows, _ := pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status ORDER BY status`)
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		rows.Scan(&status, &count)
		fmt.Printf("  %-12s %d\n", status, count)
	}

	fmt.Println("\n── Chunks By Outcome ──")
	rows2, _ := pool.Query(ctx, `
		SELECT status, count(*), coalesce(avg(attempts), 0), coalesce(max(attempts), 0)
		FROM job_chunks GROUP BY status ORDER BY status
	`)
	defer rows2.Close()
	for rows2.Next() {
		var status string
		var count int64
		var avgAttempts float64
		var maxAttempts int
		rows2.Scan(&status, &count, &avgAttempts, &maxAttempts)
		fmt.Printf("  %-12s %d (attempts avg=%.2f max=%d)\n", status, count, avgAttempts, maxAttempts)
	}
}

// investigateGaps lists recent jobs whose transcripts carry untranscribed
// ranges, with each range and its reason.
func investigateGaps(ctx context.Context, pool *pgxpool.Pool) {
	fmt.Println("── Jobs With Untranscribed Ranges (latest 20) ──")
	rows, _ := pool.Query(ctx, `
		SELECT j.id, j.source_name, c.start_ms, c.end_ms, c.status, c.reason
		FROM jobs j
		JOIN job_chunks c ON c.job_id = j.id
		WHERE c.status <> 'transcribed'
		  AND j.id IN (
			SELECT j2.id FROM jobs j2
			WHERE EXISTS (SELECT 1 FROM job_chunks c2 WHERE c2.job_id = j2.id AND c2.status <> 'transcribed')
			ORDER BY j2.created_at DESC LIMIT 20
		  )
		ORDER BY j.created_at DESC, c.chunk_index
	`)
	defer rows.Close()

	found := false
	last := ""
	for rows.Next() {
		found = true
		var id, name, status, reason string
		var startMs, endMs int64
		rows.Scan(&id, &name, &startMs, &endMs, &status, &reason)
		if id != last {
			fmt.Printf("\n  job %s (%s)\n", id, name)
			last = id
		}
		fmt.Printf("    %s-%s %-8s %s\n", stitch.FormatTimestamp(startMs), stitch.FormatTimestamp(endMs), status, reason)
	}
	if !found {
		fmt.Println("  (none found)")
	}

	fmt.Println("\n── Failure Reasons ──")
	rows2, _ := pool.Query(ctx, `
		SELECT coalesce(nullif(reason, ''), '(none)'), count(*) FROM job_chunks
		WHERE status <> 'transcribed'
		GROUP BY 1 ORDER BY 2 DESC LIMIT 15
	`)
	defer rows2.Close()
	for rows2.Next() {
		var reason string
		var count int64
		rows2.Scan(&reason, &count)
		fmt.Printf("  %6d  %s\n", count, reason)
	}
}

// failStale marks jobs stuck in pending or processing for over an hour as
// failed. Without "apply" it only lists them.
func failStale(ctx context.Context, pool *pgxpool.Pool, dryRun bool) {
	cutoff := time.Now().Add(-time.Hour)
	rows, _ := pool.Query(ctx, `
		SELECT id, status, source_name, created_at FROM jobs
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at
	`, cutoff)
	var ids []string
	for rows.Next() {
		var id, status, name string
		var created time.Time
		rows.Scan(&id, &status, &name, &created)
		ids = append(ids, id)
		fmt.Printf("  %s %-10s %s created=%s\n", id, status, name, created.Format(time.RFC3339))
	}
	rows.Close()

	if len(ids) == 0 {
		fmt.Println("No stale jobs.")
		return
	}
	if dryRun {
		fmt.Printf("\n%d stale job(s). Run with 'fail-stale apply' to mark them failed.\n", len(ids))
		return
	}

	tag, err := pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error_message = 'marked stale by dbcheck', completed_at = now()
		WHERE id = ANY($1) AND status IN ('pending', 'processing')
	`, ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "update failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Marked %d job(s) failed.\n", tag.RowsAffected())
}
