// Package push tracks the state of the operator's export buttons.
package push

import (
	"context"
	"time"
)

type Status int

const (
	Failed  Status = -1
	Pending Status = 0
	Pushed  Status = 1
)

// State is shown next to an export button. LastPush is in Unix
// milliseconds and is unset while an export is pending.
type State struct {
	Status   Status `json:"status"`
	LastPush int64  `json:"lastPush,omitempty"`
}

// Wrap runs task between two calls to set: pending before, then pushed or
// failed with the time of completion. The task's error is returned
// unchanged.
func Wrap(ctx context.Context, now func() time.Time, set func(context.Context, State) error, task func(context.Context) error) error {
	if err := set(ctx, State{Status: Pending}); err != nil {
		return err
	}
	err := task(ctx)
	st := State{Status: Pushed, LastPush: now().UnixMilli()}
	if err != nil {
		st.Status = Failed
	}
	if serr := set(ctx, st); serr != nil && err == nil {
		err = serr
	}
	return err
}
