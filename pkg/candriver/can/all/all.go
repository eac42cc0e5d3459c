// Package all registers every bundled CAN driver adapter via blank import,
// so callers can select one by name at runtime through can.NewBus.
package all

import (
	_ "github.com/openlcb-go/lcc-core/pkg/candriver/can/socketcan"
	_ "github.com/openlcb-go/lcc-core/pkg/candriver/can/virtual"
)
