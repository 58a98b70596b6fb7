package controller

import (
	"fmt"

	"github.com/rgoulet/examd/go/internal/models"
)

// transitions is the session state machine. Anything absent is rejected:
// terminated and timed-out sessions in particular accept no further moves.
var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.SessionStatusNotStarted: {models.SessionStatusRunning, models.SessionStatusTerminated},
	models.SessionStatusRunning:    {models.SessionStatusSuspended, models.SessionStatusTimedOut, models.SessionStatusTerminated},
	models.SessionStatusSuspended:  {models.SessionStatusRunning, models.SessionStatusTimedOut, models.SessionStatusTerminated},
	models.SessionStatusTimedOut:   {models.SessionStatusTerminated},
	models.SessionStatusTerminated: nil,
}

// canTransition reports whether the state machine allows from -> to.
func canTransition(from, to models.SessionStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition validates and applies a status change on the in-memory session.
// Persistence is the caller's job.
func transition(sess *models.Session, to models.SessionStatus) error {
	if !canTransition(sess.Status, to) {
		return fmt.Errorf("session %s cannot transition %s -> %s", sess.ID, sess.Status, to)
	}
	sess.Status = to
	return nil
}

// terminal reports whether the status accepts no further navigation.
func terminal(status models.SessionStatus) bool {
	return status == models.SessionStatusTerminated || status == models.SessionStatusTimedOut
}
