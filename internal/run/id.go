package run

import (
	"fmt"
	"strconv"
	"strings"
)

// Run identifiers are addressable keys shared by live objects and persisted
// records: "job.<name>.<runnum>" for a JobRun and "job.<name>.<runnum>.<action>"
// for an ActionRun. Run numbers are monotonic per job.

const idPrefix = "job"

func JobRunID(jobName string, runNum int64) string {
	return fmt.Sprintf("%s.%s.%d", idPrefix, jobName, runNum)
}

func ActionRunID(jobName string, runNum int64, action string) string {
	return fmt.Sprintf("%s.%s.%d.%s", idPrefix, jobName, runNum, action)
}

// ParseActionRunID splits an ActionRun identifier into its parts.
func ParseActionRunID(id string) (jobName string, runNum int64, action string, err error) {
	parts := strings.Split(id, ".")
	if len(parts) < 4 || parts[0] != idPrefix {
		return "", 0, "", fmt.Errorf("malformed action run id %q", id)
	}
	// Job names may themselves contain dots; the run number is the last
	// all-digit segment before the action name.
	numIdx := len(parts) - 2
	n, perr := strconv.ParseInt(parts[numIdx], 10, 64)
	if perr != nil {
		return "", 0, "", fmt.Errorf("malformed action run id %q: %v", id, perr)
	}
	return strings.Join(parts[1:numIdx], "."), n, parts[len(parts)-1], nil
}

// ParseJobRunID splits a JobRun identifier into its parts.
func ParseJobRunID(id string) (jobName string, runNum int64, err error) {
	parts := strings.Split(id, ".")
	if len(parts) < 3 || parts[0] != idPrefix {
		return "", 0, fmt.Errorf("malformed job run id %q", id)
	}
	n, perr := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if perr != nil {
		return "", 0, fmt.Errorf("malformed job run id %q: %v", id, perr)
	}
	return strings.Join(parts[1:len(parts)-1], "."), n, nil
}
