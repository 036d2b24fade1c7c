package store

import (
	"fmt"
	"sort"

	"cronfleet/internal/run"
)

// EncodeJobRun converts a live JobRun into its persisted form.
func EncodeJobRun(r *run.JobRun) JobRunRecord {
	rec := JobRunRecord{
		ID:        r.ID,
		JobName:   r.JobName,
		RunNum:    r.RunNum,
		FireTime:  r.FireTime,
		Pool:      r.Pool,
		Cancelled: r.Cancelled,
	}
	for _, a := range r.Actions {
		rec.Actions = append(rec.Actions, encodeActionRun(a))
	}
	return rec
}

func encodeActionRun(a *run.ActionRun) ActionRunRecord {
	return ActionRunRecord{
		ID:              a.ID,
		Name:            a.Name,
		State:           a.State.String(),
		Attempts:        a.Attempts,
		Node:            a.Node,
		NodeAffinity:    a.NodeAffinity,
		Command:         a.Command,
		CommandTemplate: a.CommandTemplate,
		StartedAt:       a.StartedAt,
		EndedAt:         a.EndedAt,
		ExitCode:        a.ExitCode,
		OutputRef:       a.OutputRef,
		Retries:         a.Retries,
		RetryDelay:      a.RetryDelay,
		TriggerTimeout:  a.TriggerTimeout,
		WaitingDeps:     sortedKeys(a.WaitingDeps),
		WaitingTriggers: sortedKeys(a.WaitingTriggers),
		PublishTriggers: append([]string(nil), a.PublishTriggers...),
		Upstream:        append([]string(nil), a.Upstream...),
	}
}

// DecodeJobRun rebuilds a live JobRun from its persisted form.
func DecodeJobRun(rec JobRunRecord) (*run.JobRun, error) {
	r := &run.JobRun{
		ID:        rec.ID,
		JobName:   rec.JobName,
		RunNum:    rec.RunNum,
		FireTime:  rec.FireTime,
		Pool:      rec.Pool,
		Cancelled: rec.Cancelled,
	}
	for _, ar := range rec.Actions {
		state, ok := run.ParseActionState(ar.State)
		if !ok {
			return nil, fmt.Errorf("store: unknown action state %q in %s", ar.State, ar.ID)
		}
		r.Actions = append(r.Actions, &run.ActionRun{
			ID:              ar.ID,
			JobName:         rec.JobName,
			RunNum:          rec.RunNum,
			Name:            ar.Name,
			State:           state,
			Attempts:        ar.Attempts,
			Node:            ar.Node,
			NodeAffinity:    ar.NodeAffinity,
			Command:         ar.Command,
			CommandTemplate: ar.CommandTemplate,
			StartedAt:       ar.StartedAt,
			EndedAt:         ar.EndedAt,
			ExitCode:        ar.ExitCode,
			OutputRef:       ar.OutputRef,
			Retries:         ar.Retries,
			RetryDelay:      ar.RetryDelay,
			TriggerTimeout:  ar.TriggerTimeout,
			WaitingDeps:     toSet(ar.WaitingDeps),
			WaitingTriggers: toSet(ar.WaitingTriggers),
			PublishTriggers: append([]string(nil), ar.PublishTriggers...),
			Upstream:        append([]string(nil), ar.Upstream...),
		})
	}
	return r, nil
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toSet(keys []string) map[string]bool {
	m := map[string]bool{}
	for _, k := range keys {
		m[k] = true
	}
	return m
}
