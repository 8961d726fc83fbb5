package tracedgc

import (
	stderrors "errors"

	"github.com/tracedgc/tracedgc/internal/typeinfo"
)

// ErrTooManyTypes is returned (via errors.As) when a Heap has already
// registered typeinfo.MaxTypeNumber distinct types and Make/MakeArray
// is asked to register one more. spec.md §7 treats this as a fatal
// assertion in the original; Go callers get an ordinary error instead
// so a host process can decide for itself whether to abort.
type ErrTooManyTypes = typeinfo.ErrTooManyTypes

// errorsNewArraySize guards MakeArray's n > 0 precondition.
var errorsNewArraySize = stderrors.New("tracedgc: MakeArray requires n > 0")
