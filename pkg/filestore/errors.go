package filestore

import "fmt"

// NotFoundError reports an unknown file ID or a source path that does
// not exist.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("filestore: not found: %s", e.Key)
}

// IOError wraps a local filesystem failure during upload or read.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("filestore: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// RangeError reports a read window that lies entirely beyond the file's
// extent. Partial overlap is not an error; the overlapping region is
// returned.
type RangeError struct {
	ID     string
	Start  int64
	Extent int64
	Unit   string // "lines" or "bytes"
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("filestore: window start %d beyond extent %d %s of %s",
		e.Start, e.Extent, e.Unit, e.ID)
}
