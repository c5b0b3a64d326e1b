package ingest

import (
	"bufio"
	"io"

	"github.com/duskwatch/siemcore/internal/apperr"
)

// maxLineBytes bounds a single NDJSON line, independent of the overall
// request body cap enforced by the caller (http.MaxBytesReader).
const maxLineBytes = 1 << 20

// ReadNDJSON splits a newline-delimited JSON body into individual lines,
// skipping blank lines, for both the generic ingress endpoints and the
// agent-authenticated ingest path.
func ReadNDJSON(r io.Reader) ([][]byte, *apperr.Error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var lines [][]byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "reading NDJSON body", err)
	}
	return lines, nil
}
