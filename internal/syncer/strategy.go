package syncer

import "github.com/tallyhq/hybridsync/internal/record"

// Strategy selects how a same-id record present on both sides with
// differing content is resolved.
type Strategy string

const (
	// StrategyLocalWins always keeps the local copy.
	StrategyLocalWins Strategy = "local-wins"

	// StrategyRemoteWins always keeps the remote copy.
	StrategyRemoteWins Strategy = "remote-wins"

	// StrategyNewestWins keeps the copy with the strictly later
	// updated_at (falling back to created_at); ties favor remote.
	StrategyNewestWins Strategy = "newest-wins"

	// StrategyManual records a conflict for out-of-band resolution and
	// mutates neither side.
	StrategyManual Strategy = "manual"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLocalWins, StrategyRemoteWins, StrategyNewestWins, StrategyManual:
		return true
	}
	return false
}

// Resolution is the outcome of applying a strategy to one conflict.
type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveRemote Resolution = "remote"
	ResolveManual Resolution = "manual"
)

// decide applies the strategy to a local/remote pair.
func decide(s Strategy, local, remote *record.Record) Resolution {
	switch s {
	case StrategyLocalWins:
		return ResolveLocal
	case StrategyRemoteWins:
		return ResolveRemote
	case StrategyManual:
		return ResolveManual
	case StrategyNewestWins:
		if local.LastTouched().After(remote.LastTouched()) {
			return ResolveLocal
		}
		return ResolveRemote
	}
	return ResolveRemote
}
