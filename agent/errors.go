// Error classification for the agent.
//
// Information Hiding:
// - Mapping from component sentinels to kinds hidden
// - User-visible wording hidden; raw error text never leaves this package

package agent

import (
	"context"
	"errors"

	"github.com/Synthenova/conthunt-sub001/analysis"
	"github.com/Synthenova/conthunt-sub001/checkpoint"
	"github.com/Synthenova/conthunt-sub001/justify"
	"github.com/Synthenova/conthunt-sub001/objstore"
	"github.com/Synthenova/conthunt-sub001/platform"
	"github.com/Synthenova/conthunt-sub001/quota"
)

// Kind is the class of a failure as the agent handles it.
type Kind string

// Failure kinds.
const (
	KindStoreTransient Kind = "store_unavailable"
	KindStoreFatal     Kind = "store_corrupt"
	KindQuota          Kind = "quota_exhausted"
	KindAnalysis       Kind = "analysis_failed"
	KindJustifier      Kind = "justifier_failed"
	KindTimeout        Kind = "tool_timeout"
	KindCancelled      Kind = "cancelled"
	KindBusy           Kind = "session_busy"
	KindUnknown        Kind = "unknown"
)

// ErrHalted is returned by Run when a fatal failure stopped the session.
var ErrHalted = errors.New("research run halted")

// Classify maps err to a Kind. A nil error yields "".
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, objstore.ErrStoreCorrupt):
		return KindStoreFatal
	case errors.Is(err, objstore.ErrStoreUnavailable):
		return KindStoreTransient
	case errors.Is(err, checkpoint.ErrLocked), errors.Is(err, checkpoint.ErrLockLost):
		return KindBusy
	case errors.Is(err, quota.ErrQuotaExhausted):
		return KindQuota
	case errors.Is(err, analysis.ErrAnalysisFailed):
		return KindAnalysis
	case errors.Is(err, justify.ErrJustifierFailed):
		return KindJustifier
	case errors.Is(err, platform.ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUnknown
	}
}

// UserMessage returns the stable text shown to the user for kind.
func UserMessage(kind Kind) string {
	switch kind {
	case KindStoreTransient:
		return "session storage is temporarily unavailable, please try again"
	case KindStoreFatal:
		return "session data unreadable"
	case KindQuota:
		return "daily limit reached, so some videos were not analyzed"
	case KindAnalysis:
		return "some videos could not be analyzed and were left out"
	case KindJustifier:
		return "some videos could not be scored and were skipped"
	case KindTimeout:
		return "an external service timed out, please try again"
	case KindCancelled:
		return "request cancelled"
	case KindBusy:
		return "this session is busy with another request"
	case "":
		return ""
	default:
		return "something went wrong, please try again"
	}
}

// fatalFor reports whether kind stops the run when raised by tool.
// Unknown failures are fatal only for justification.
func fatalFor(tool string, kind Kind) bool {
	switch kind {
	case KindStoreFatal, KindBusy:
		return true
	case KindUnknown:
		return tool == toolJustify
	default:
		return false
	}
}
