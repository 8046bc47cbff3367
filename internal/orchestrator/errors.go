package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// RebalanceError はリバランスの開始または完了に失敗したことを表す
type RebalanceError struct {
	Known   []string
	Ejected []string
	Err     error
}

func (e *RebalanceError) Error() string {
	return fmt.Sprintf("rebalance (known %d, ejected %v): %v", len(e.Known), e.Ejected, e.Err)
}

func (e *RebalanceError) Unwrap() error {
	return e.Err
}

// ZoneViolation はアクティブと同じゾーンに置かれたレプリカ
type ZoneViolation struct {
	VBucket int
	Active  string
	Replica string
	Zone    string
}

// ZoneViolationError はゾーン分離が守られていないことを表す
type ZoneViolationError struct {
	Violations []ZoneViolation
}

func (e *ZoneViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d replica vbuckets share a zone with their active copy", len(e.Violations))
	for i, v := range e.Violations {
		if i == 3 {
			b.WriteString(", ...")
			break
		}
		fmt.Fprintf(&b, "; vb %d: %s and %s in %q", v.VBucket, v.Active, v.Replica, v.Zone)
	}
	return b.String()
}

// WaitTimeoutError は待機が MaxWait を超えたことを表す
type WaitTimeoutError struct {
	What    string
	MaxWait time.Duration
	Last    error
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for %s: %v", e.MaxWait, e.What, e.Last)
}

func (e *WaitTimeoutError) Unwrap() error {
	return e.Last
}
