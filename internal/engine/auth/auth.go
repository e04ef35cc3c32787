// Package auth carries the ownership errors the engine raises when a
// producer touches a lot that is not theirs.
package auth

import "fmt"

// ForbiddenError signals that the acting producer does not own the lot.
type ForbiddenError struct {
	LotID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("lot %s is not owned by the acting producer", e.LotID)
}

// CheckOwner compares the lot's owner with the acting producer. An empty
// producerID skips the check (trusted internal callers).
func CheckOwner(lotID, ownerID, producerID string) error {
	if producerID == "" || ownerID == producerID {
		return nil
	}
	return ForbiddenError{LotID: lotID}
}
