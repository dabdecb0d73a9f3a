package cdr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/avoronin/dialdesk/internal/types"
)

// AttachRecording fills in the call's recording id. The representative leg
// sometimes lacks the file reference that only a sibling leg's row carries
// (the queue leg recorded the call, or vice versa), so when the call has no
// recording id the sibling legs of the same interaction are searched for
// the first non-empty one. A call with no recording anywhere is left as is.
func (s *Store) AttachRecording(ctx context.Context, call *types.Call) error {
	if call.RecordingID != "" {
		return nil
	}

	var file string
	err := s.db.QueryRowContext(ctx,
		`SELECT recordingfile FROM cdr
		WHERE linkedid = $1 AND uniqueid <> $2 AND recordingfile <> ''
		ORDER BY start_time LIMIT 1`,
		call.CorrelationID, call.ID,
	).Scan(&file)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup sibling recording: %w", err)
	}

	call.RecordingID = recordingID(file)
	return nil
}
