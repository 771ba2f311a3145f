package fsimage

import (
	"fmt"
	"strconv"
	"strings"
)

// BoardID is a board name with a hardware revision, written "name.rev",
// e.g. "PicoCoreMX8MM.120".
type BoardID struct {
	Name string
	Rev  int
}

// ParseBoardID splits s at its last '.' into name and decimal revision.
func ParseBoardID(s string) (BoardID, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return BoardID{}, fmt.Errorf("invalid board id %q: expected name.rev", s)
	}
	rev, err := strconv.Atoi(s[i+1:])
	if err != nil || rev < 0 {
		return BoardID{}, fmt.Errorf("invalid board id %q: bad revision", s)
	}
	return BoardID{Name: s[:i], Rev: rev}, nil
}

func (id BoardID) String() string {
	return fmt.Sprintf("%s.%d", id.Name, id.Rev)
}

// Accepts reports whether a configuration for cfg can run on board id:
// same name and a revision not newer than the board.
func (id BoardID) Accepts(cfg BoardID) bool {
	return cfg.Name == id.Name && cfg.Rev <= id.Rev
}

// Better reports whether candidate is a better configuration for id than
// current. Unset current (empty name) is always beaten by an accepted candidate.
func (id BoardID) Better(candidate, current BoardID) bool {
	if !id.Accepts(candidate) {
		return false
	}
	return current.Name == "" || candidate.Rev > current.Rev
}

// BestBoardConfig returns the BOARD-CFG record in b with the highest revision
// that does not exceed the revision of running. b may be a whole container;
// every BOARD-CFG record in the tree is a candidate.
func BestBoardConfig(b []byte, running BoardID) ([]byte, BoardID, error) {
	var (
		best   []byte
		bestID BoardID
	)
	err := Walk(b, func(e Entry) error {
		if !e.Header.Matches(TypeBoardCfg) || uint64(len(e.Payload)) < uint64(e.Header.Size()) {
			return nil
		}
		id, err := ParseBoardID(e.Header.Descr())
		if err != nil {
			return nil
		}
		if running.Better(id, bestID) {
			best = b[e.Offset : e.Offset+HeaderSize+int64(len(e.Payload))]
			bestID = id
		}
		return nil
	})
	if err != nil {
		return nil, BoardID{}, err
	}
	if best == nil {
		return nil, BoardID{}, fmt.Errorf("%w: %s for board %s", ErrNotFound, TypeBoardCfg, running)
	}
	return best, bestID, nil
}
