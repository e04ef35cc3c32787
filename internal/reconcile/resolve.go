package reconcile

import (
	"context"
	"errors"
	"fmt"
)

// Strategy names a conflict resolution policy. The surface is declared ahead
// of the policies themselves; see Resolve.
type Strategy string

const (
	StrategyServer Strategy = "server"
	StrategyClient Strategy = "client"
	StrategyMerge  Strategy = "merge"
)

// ErrStrategyNotSupported is returned for every declared strategy until a
// resolution policy ships.
var ErrStrategyNotSupported = errors.New("conflict resolution strategy not supported")

// Resolve is the extension point for server-side conflict resolution.
// Clients currently resolve conflicts by re-submitting the chosen version;
// every declared strategy is rejected explicitly rather than silently
// ignored, so callers can tell "not yet" from "done".
func (r Reconciler) Resolve(ctx context.Context, lotID string, strategy Strategy) error {
	switch strategy {
	case StrategyServer, StrategyClient, StrategyMerge:
		return fmt.Errorf("%w: %s", ErrStrategyNotSupported, strategy)
	default:
		return fmt.Errorf("unknown conflict resolution strategy %q", strategy)
	}
}
