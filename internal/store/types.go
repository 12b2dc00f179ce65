package store

import "fmt"

// LoadResult summarises one batch write.
type LoadResult struct {
	Total            int `json:"total"`
	Inserted         int `json:"inserted"`
	SkippedDuplicate int `json:"skipped_duplicate"`
}

// LoadError reports a failed batch write. The batch has been rolled back.
type LoadError struct {
	Table string
	Date  string // window date of a historical batch
	Err   error
}

func (e *LoadError) Error() string {
	if e.Date != "" {
		return fmt.Sprintf("load %s for %s: %v", e.Table, e.Date, e.Err)
	}
	return fmt.Sprintf("load %s: %v", e.Table, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
