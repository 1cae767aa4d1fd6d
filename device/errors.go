package device

import (
	"github.com/pkg/errors"

	"github.com/imdisk-go/vblockd/verr"
)

// errDeletePendingPinned is returned when a caller tries to flip a
// pinned special-file device read-only, per SPEC_FULL.md supplemented
// feature #4. (manager.RemoveDevice refuses pinned devices with its own
// ErrDeletePending error.)
var errDeletePendingPinned = errors.Wrap(verr.ErrDeletePending, "device is pinned as a special file")
