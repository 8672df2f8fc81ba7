// Package matchdispatch replays pattern-match reports carried inline as
// an IP option (decoded into sideband.OptionReport values) against a
// rule-match callback, exactly as the original
// multi-pattern search engine would have called it had the match been
// found locally rather than on the other middlebox.
//
// Grounded on
// _examples/original_source/apps/snort-2.9.6.2/src/dpisrv/DpiSrv.c's
// mpseSearchDpiSrv.
package matchdispatch

import (
	"github.com/DeepnessLab/moly-sub000/pkg/sideband"
)

// MatchFunc is the rule-match callback contract: given the matching
// rule's opaque user data and option tree, the index within the
// payload the match starts at, the packet context, and an optional
// negate list, it returns true to stop the scan (a positive match
// consumed), false to keep going.
type MatchFunc func(ruleUserData interface{}, ruleOptionTree interface{}, index int, packetCtx interface{}, negList interface{}) bool

// RuleLookup resolves a rule ID (as carried on the wire) to the
// opaque user data and option tree the MatchFunc expects, since those
// aren't meaningful wire values themselves.
type RuleLookup func(ruleID uint16) (userData, optionTree interface{})

// Dispatch replays a set of option reports against match, returning the
// number of candidate positions it walked before a positive match (or
// the full count, if none was positive) — mirroring the source's
// `count` return value.
func Dispatch(reports []sideband.OptionReport, lookup RuleLookup, match MatchFunc, packetCtx interface{}, negList interface{}) int {
	count := 0

	for _, r := range reports {
		userData, optionTree := lookup(r.RuleID)

		if !r.IsRange {
			count++

			if match(userData, optionTree, int(r.Position), packetCtx, negList) {
				return count
			}

			continue
		}

		for j := 0; j < int(r.Length); j++ {
			count++

			if match(userData, optionTree, int(r.Position)+j, packetCtx, negList) {
				return count
			}
		}
	}

	return count
}
