package run

import (
	"strconv"
	"strings"
	"time"
)

// Context carries the run-scoped values available for token substitution in
// command templates and trigger patterns.
type Context struct {
	JobName    string
	ActionName string
	RunID      string
	Node       string
	FireTime   time.Time
}

// Token reference formats. ymdhm intentionally has minute resolution: it is
// the key used to pair runs of jobs on compatible schedules.
const (
	fmtYMD       = "20060102"
	fmtYMDHM     = "200601021504"
	fmtShortdate = "2006-01-02"
)

// ResolveTokens substitutes {token} references in a template with values from
// the run context. Unknown tokens are left verbatim so a bad template shows
// up in logs and command text instead of silently vanishing.
func ResolveTokens(template string, c Context) string {
	if !strings.Contains(template, "{") {
		return template
	}
	pairs := []string{
		"{ymd}", c.FireTime.Format(fmtYMD),
		"{ymdhm}", c.FireTime.Format(fmtYMDHM),
		"{shortdate}", c.FireTime.Format(fmtShortdate),
		"{unixtime}", strconv.FormatInt(c.FireTime.Unix(), 10),
		"{runid}", c.RunID,
		"{name}", c.JobName,
		"{actionname}", c.ActionName,
	}
	// {node} stays verbatim until a node is actually assigned; the pool
	// substitutes it at channel open.
	if c.Node != "" {
		pairs = append(pairs, "{node}", c.Node)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
