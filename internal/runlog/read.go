package runlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// maxLineSize bounds one record; tool results can be large.
const maxLineSize = 16 << 20

// ReadLog replays a run log file. A final line that is incomplete (no
// trailing newline and not valid JSON) is a write interrupted by a crash
// and is ignored; a malformed line anywhere else is an error.
func ReadLog(path string) ([]Record, error) {
	f, err := os.Open(path) //nolint:gosec // caller-supplied log path
	if err != nil {
		return nil, fmt.Errorf("runlog: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// Decode reads records from r with the same rules as ReadLog.
func Decode(r io.Reader) ([]Record, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	var (
		records []Record
		lineNo  int
	)
	for {
		line, err := readLine(br)
		if len(line) > 0 {
			lineNo++
			var rec Record
			if decErr := json.Unmarshal(line, &rec); decErr != nil {
				if errors.Is(err, io.EOF) {
					return records, nil
				}
				return records, fmt.Errorf("runlog: line %d: %w", lineNo, decErr)
			}
			records = append(records, rec)
		}
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("runlog: read: %w", err)
		}
	}
}

// readLine returns the next line without its newline. It returns io.EOF
// together with the data when the line was not newline-terminated.
func readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return nil, fmt.Errorf("line exceeds %d bytes", maxLineSize)
		}
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return line, err
		}
	}
}
