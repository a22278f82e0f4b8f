package postgres

// SQL queries for statistic series storage.

const (
	// queryLastPoint fetches the forward edge of one series.
	// The composite index on (fuel_type, metric, period_start) makes this
	// a single-row backward index scan.
	queryLastPoint = `
		SELECT period_start, period_delta, cumulative_sum
		FROM statistic_points
		WHERE fuel_type = $1 AND metric = $2
		ORDER BY period_start DESC
		LIMIT 1
	`

	// queryAppendPoint inserts one statistic point. Executed inside the
	// batch transaction; the primary key rejects duplicate timestamps so a
	// racing writer aborts the whole batch instead of corrupting the series.
	queryAppendPoint = `
		INSERT INTO statistic_points (
			fuel_type, metric, period_start, period_delta, cumulative_sum
		)
		VALUES ($1, $2, $3, $4, $5)
	`

	// queryTailForUpdate re-reads the tail inside the append transaction
	// with a row lock, guarding against a tail that moved between the
	// caller's LastPoint read and the batch write.
	queryTailForUpdate = `
		SELECT period_start
		FROM statistic_points
		WHERE fuel_type = $1 AND metric = $2
		ORDER BY period_start DESC
		LIMIT 1
		FOR UPDATE
	`

	// queryPointCount reports the series length, used by backfill reports.
	queryPointCount = `
		SELECT COUNT(*)
		FROM statistic_points
		WHERE fuel_type = $1 AND metric = $2
	`
)
