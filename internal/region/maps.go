package region

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrNoRegions is returned by ParseMaps when the source produced zero
// well-formed region lines.
var ErrNoRegions = fmt.Errorf("region: no regions recovered from map source")

// ParseMaps reads a Linux-style /proc/<pid>/maps stream and returns a
// Table built from every well-formed line. Malformed lines are skipped
// with a debug-level diagnostic rather than aborting the whole parse.
//
// Each line has the shape:
//
//	start-end perms offset dev inode name
//
// perms is exactly four characters: r/-, w/-, x/-, p|s. name is optional
// and, when present, has its leading whitespace trimmed but its trailing
// content (including embedded spaces, as with " (deleted)") preserved.
func ParseMaps(r io.Reader, logger logrus.FieldLogger) (*Table, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var regions []Region
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		reg, err := parseLine(line)
		if err != nil {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"line_no": lineNo,
					"line":    line,
				}).Debugf("region: skipping malformed maps line: %v", err)
			}
			continue
		}
		regions = append(regions, reg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("region: reading maps source: %w", err)
	}

	if len(regions) == 0 {
		return nil, ErrNoRegions
	}

	return NewTable(regions), nil
}

func parseLine(line string) (Region, error) {
	fields := strings.SplitN(line, " ", 6)
	if len(fields) < 2 {
		return Region{}, fmt.Errorf("expected at least 2 space-separated fields, got %d", len(fields))
	}

	addrRange := fields[0]
	perms := fields[1]

	dash := strings.IndexByte(addrRange, '-')
	if dash < 0 {
		return Region{}, fmt.Errorf("address range %q missing '-'", addrRange)
	}

	start, err := strconv.ParseUint(addrRange[:dash], 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("parsing start address %q: %w", addrRange[:dash], err)
	}
	end, err := strconv.ParseUint(addrRange[dash+1:], 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("parsing end address %q: %w", addrRange[dash+1:], err)
	}
	if end < start {
		return Region{}, fmt.Errorf("end 0x%x before start 0x%x", end, start)
	}

	if len(perms) != 4 {
		return Region{}, fmt.Errorf("perms field %q is not 4 characters", perms)
	}

	label := ""
	// The name field, when present, is whatever trails the inode field:
	// SplitN(6) leaves it, padding included, in fields[5], and only its
	// leading whitespace is trimmed; nothing is rejoined.
	if len(fields) >= 6 {
		label = strings.TrimLeft(fields[5], " \t")
	}

	return Region{
		Start:      start,
		End:        end,
		Readable:   perms[0] == 'r',
		Writable:   perms[1] == 'w',
		Executable: perms[2] == 'x',
		Private:    perms[3] == 'p',
		Label:      label,
	}, nil
}
