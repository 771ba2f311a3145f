package engine

import (
	"errors"
	"fmt"

	"github.com/moffa90/go-fsimage/stream"
)

var (
	// ErrNoBoardConfig means the engine does not know the board
	// configuration needed to locate the regions.
	ErrNoBoardConfig = errors.New("no board configuration known")

	// ErrNoEnv means no copy of the environment is valid.
	ErrNoEnv = errors.New("no valid environment")
)

// UnbootableError indicates that both copies of a region failed to save.
type UnbootableError struct {
	Region string
	Errors [2]error
}

func (e *UnbootableError) Error() string {
	return fmt.Sprintf("both copies of %s failed, the device may not boot anymore: copy 0: %v; copy 1: %v",
		e.Region, e.Errors[0], e.Errors[1])
}

func (e *UnbootableError) Unwrap() []error {
	return e.Errors[:]
}

// LoadError indicates that a region or some jobs could not be served from
// any copy.
type LoadError struct {
	Region string

	// Jobs are the jobs still pending, if the load was driven by jobs
	Jobs stream.JobSet

	// Errors holds what went wrong with each copy, nil where the copy was
	// fine but lacked the artifact
	Errors [2]error
}

func (e *LoadError) Error() string {
	msg := "load failed"
	if e.Region != "" {
		msg += " from " + e.Region
	}
	if e.Jobs != 0 {
		msg += " for " + e.Jobs.String()
	}
	for cp, err := range e.Errors {
		if err != nil {
			msg += fmt.Sprintf("; copy %d: %v", cp, err)
		}
	}
	return msg
}

func (e *LoadError) Unwrap() []error {
	var errs []error
	for _, err := range e.Errors {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
