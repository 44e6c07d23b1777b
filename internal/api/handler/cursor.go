package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// JobCursor is the keyset position of a queue listing page.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// DecodeJobCursor parses an opaque cursor. An empty cursor means the
// first page.
func DecodeJobCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &JobCursor{
		CreatedAt: time.Unix(0, createdAt),
		JobID:     decodedParts[1],
	}, nil
}

// EncodeJobCursor serializes a cursor for the client.
func EncodeJobCursor(cursor *JobCursor) (string, error) {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.JobID)
	return base64.StdEncoding.EncodeToString([]byte(cs)), nil
}
