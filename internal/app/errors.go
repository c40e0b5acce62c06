package app

import (
	"errors"
	"fmt"
)

// Failure classes. Every job error wraps exactly one of them.
var (
	// ErrConnect means a connection to the receiver could not be established.
	ErrConnect = errors.New("connect failed")
	// ErrTransferIO means a read or write on an open connection failed.
	ErrTransferIO = errors.New("transfer i/o failed")
	// ErrIntegrity means the payload arrived but its checksum did not match.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrLocalResource means a local file could not be opened, read or written.
	ErrLocalResource = errors.New("local file failed")
	// ErrProtocol means the peer sent a malformed or unexpected field.
	ErrProtocol = errors.New("protocol violation")
	// ErrAborted marks jobs abandoned after another job failed in abort mode.
	ErrAborted = errors.New("aborted")
	// ErrIdleTimeout means no connection arrived within the idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")
)

// JobError is the classified failure of one job.
type JobError struct {
	Name  string
	Class error
	Err   error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Name, e.Class)
	}
	return fmt.Sprintf("%s: %v: %v", e.Name, e.Class, e.Err)
}

func (e *JobError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

// IntegrityError is the receiver's report of a checksum mismatch. The bytes
// are already on storage when it is raised.
type IntegrityError struct {
	Name     string
	Expected uint32 // sent by the sender
	Actual   uint32 // computed over the received bytes
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: checksum mismatch: sender %d, received %d", e.Name, e.Expected, e.Actual)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

func jobErr(name string, class, err error) *JobError {
	return &JobError{Name: name, Class: class, Err: err}
}

// Classify returns the failure class err belongs to, or nil.
func Classify(err error) error {
	for _, class := range []error{ErrConnect, ErrTransferIO, ErrIntegrity, ErrLocalResource, ErrProtocol, ErrAborted, ErrIdleTimeout} {
		if errors.Is(err, class) {
			return class
		}
	}
	return nil
}
