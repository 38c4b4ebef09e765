package sqlite

const (
	insertRunQuery = `
        INSERT INTO runs (
            id, input_digest, model, status, batch_count,
            error, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `

	getRunQuery = `
        SELECT id, input_digest, model, status, batch_count,
               error, created_at, updated_at
        FROM runs WHERE id = ?
    `

	updateRunQuery = `
        UPDATE runs SET
            input_digest = ?,
            status = ?,
            batch_count = ?,
            error = ?,
            updated_at = ?
        WHERE id = ?
    `

	saveReportQuery = `
        UPDATE runs SET
            status = ?,
            report = ?,
            error = '',
            updated_at = ?
        WHERE id = ?
    `

	getReportQuery = `
        SELECT model, batch_count, report, updated_at
        FROM runs WHERE id = ? AND status = ?
    `

	upsertNoteQuery = `
        INSERT INTO partial_notes (
            input_digest, batch_index, run_id, note, created_at
        ) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(input_digest, batch_index) DO UPDATE SET
            run_id = excluded.run_id,
            note = excluded.note,
            created_at = excluded.created_at
    `

	getNotesQuery = `
        SELECT batch_index, note
        FROM partial_notes WHERE input_digest = ?
        ORDER BY batch_index
    `

	getStaleRunsQuery = `
        SELECT id, input_digest, model, status, batch_count,
               error, created_at, updated_at
        FROM runs
        WHERE status IN (?, ?, ?) AND updated_at < ?
    `
)
