package connmgr

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Job is one queued raw pull: connect to Host:Port and write the pushed
// artifact to Destination.
type Job struct {
	ID          string
	Host        string
	Port        int
	Destination string
}

// NewJob returns a job with a fresh ID.
func NewJob(host string, port int, destination string) Job {
	return Job{
		ID:          uuid.NewString(),
		Host:        host,
		Port:        port,
		Destination: destination,
	}
}

// Addr returns the dial address of the source.
func (j Job) Addr() string {
	return net.JoinHostPort(j.Host, strconv.Itoa(j.Port))
}

// Result is the outcome of one processed job.
type Result struct {
	Job      Job
	Name     string // artifact name announced by the source
	Bytes    int64
	Duration time.Duration
	Err      error
}

// JobError wraps a failure of one step of a job.
type JobError struct {
	Job Job
	Op  string
	Err error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("pull %s from %s: %s: %v", e.Job.Destination, e.Job.Addr(), e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
