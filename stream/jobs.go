// Package stream interprets a container as it arrives, one chunk at a time.
//
// An Interpreter is an io.Writer. Feed it bytes in any chunk sizes; it walks
// the nested records without seeking, copies the ones named by its JobSet
// and discards everything else:
//
//	it := stream.New(stream.Config{
//	    Arch:    "fsimx8mm",
//	    BoardID: id,
//	    Jobs:    stream.JobBoardCfg | stream.JobDRAM | stream.JobATF,
//	})
//	if _, err := io.Copy(it, src); err != nil {
//	    return err
//	}
//	art := it.Artifacts()
package stream

import (
	"fmt"
	"strings"
)

// JobSet is the set of artifacts still wanted from a container.
type JobSet uint8

const (
	// JobBoardCfg wants the BOARD-CFG of the running board
	JobBoardCfg JobSet = 1 << iota

	// JobDRAM wants the DRAM firmware and timing, and runs DRAM init
	JobDRAM

	// JobATF wants the ARM trusted firmware
	JobATF

	// JobTEE wants the trusted execution environment
	JobTEE

	// JobAll is every job
	JobAll = JobBoardCfg | JobDRAM | JobATF | JobTEE

	// firmwareJobs are the jobs served from a FIRMWARE container
	firmwareJobs = JobDRAM | JobATF | JobTEE
)

// Has reports whether every job in j is in s.
func (s JobSet) Has(j JobSet) bool {
	return s&j == j
}

var jobNames = []struct {
	j    JobSet
	name string
}{
	{JobBoardCfg, "board-cfg"},
	{JobDRAM, "dram"},
	{JobATF, "atf"},
	{JobTEE, "tee"},
}

func (s JobSet) String() string {
	if s == 0 {
		return "none"
	}
	var names []string
	for _, j := range jobNames {
		if s&j.j != 0 {
			names = append(names, j.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseJobSet parses a comma separated list of job names as printed by
// String. "all" selects every job.
func ParseJobSet(s string) (JobSet, error) {
	var set JobSet
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "all" {
			set |= JobAll
			continue
		}
		found := false
		for _, j := range jobNames {
			if j.name == name {
				set |= j.j
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown job %q", name)
		}
	}
	return set, nil
}

// State is the part of the container being interpreted.
type State int

const (
	StateAny State = iota
	StateBoardCfg
	StateDRAM
	StateDRAMType
	StateDRAMFW
	StateDRAMTiming
	StateATF
	StateTEE
)

func (s State) String() string {
	switch s {
	case StateAny:
		return "ANY"
	case StateBoardCfg:
		return "BOARD_CFG"
	case StateDRAM:
		return "DRAM"
	case StateDRAMType:
		return "DRAM_TYPE"
	case StateDRAMFW:
		return "DRAM_FW"
	case StateDRAMTiming:
		return "DRAM_TIMING"
	case StateATF:
		return "ATF"
	case StateTEE:
		return "TEE"
	default:
		return "UNKNOWN"
	}
}

// Mode is what the next bytes of input are.
type Mode int

const (
	// ModeHeader means the next bytes are a record header
	ModeHeader Mode = iota

	// ModeImage means the next bytes are a payload being copied
	ModeImage

	// ModeSkip means the next bytes are discarded
	ModeSkip

	// ModeDone means all further input is discarded
	ModeDone
)

func (m Mode) String() string {
	switch m {
	case ModeHeader:
		return "HEADER"
	case ModeImage:
		return "IMAGE"
	case ModeSkip:
		return "SKIP"
	case ModeDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}
