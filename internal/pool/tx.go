package pool

import (
	"time"

	"github.com/MrSnakeDoc/minienv/internal/domain"
)

// Tx is a staged edit of one slot inside Pool.Update. Changes become visible
// only if the Update callback returns true.
type Tx struct {
	pool        *Pool
	env         *domain.Environment
	staged      domain.Environment
	transitions [][2]domain.Status
}

// Current returns the slot as it is before this edit.
func (tx *Tx) Current() domain.Snapshot {
	return tx.env.Snapshot()
}

// Holds reports whether the slot is still held by token.
func (tx *Tx) Holds(token string) bool {
	return token != "" && tx.staged.ClaimToken == token && tx.staged.Status.HoldsClaim()
}

// Unchanged reports whether the slot still matches an earlier snapshot's
// status, token and activity stamp.
func (tx *Tx) Unchanged(snap domain.Snapshot) bool {
	return tx.staged.Status == snap.Status &&
		tx.staged.ClaimToken == snap.ClaimToken &&
		tx.staged.LastActivity.Equal(snap.LastActivity)
}

// SetStatus moves the slot to a new status.
func (tx *Tx) SetStatus(to domain.Status) {
	if tx.staged.Status == to {
		return
	}
	tx.transitions = append(tx.transitions, [2]domain.Status{tx.staged.Status, to})
	tx.staged.Status = to
	tx.staged.StatusSince = tx.pool.now()
}

// Touch stamps activity.
func (tx *Tx) Touch() {
	tx.staged.LastActivity = tx.pool.now()
}

// SetDeployment records a successful deployment.
func (tx *Tx) SetDeployment(repo string, details *domain.Details) {
	tx.staged.Repo = repo
	tx.staged.Details = details
}

// ClearDeployment forgets the deployed repository and its details.
func (tx *Tx) ClearDeployment() {
	tx.staged.Repo = ""
	tx.staged.Details = nil
}

// Release returns the slot to Idle, dropping claim, activity and deployment.
func (tx *Tx) Release() {
	tx.SetStatus(domain.StatusIdle)
	tx.staged.ClaimToken = ""
	tx.staged.LastActivity = time.Time{}
	tx.ClearDeployment()
}

// Adopt marks a slot whose stack was found live at startup as Running. No claim
// token or details can be recovered, so the slot idles out unless redeployed.
func (tx *Tx) Adopt() {
	tx.SetStatus(domain.StatusRunning)
	tx.staged.ClaimToken = ""
	tx.Touch()
	tx.ClearDeployment()
}
