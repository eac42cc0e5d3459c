// Package messagenet implements the Message Network protocol handlers
// (spec.md §4.11): node identification (Verify/Verified Node ID) and
// capability discovery (Protocol Support Inquiry/Reply), plus passive
// reception of Optional Interaction Rejected and Terminate Due To Error.
// Handlers register themselves into an engine.Dispatcher the same way the
// teacher's SDO/PDO handlers register against bus_manager's dispatch table.
package messagenet

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/engine"
	"github.com/openlcb-go/lcc-core/pkg/lcputil"
)

// Register installs every Message Network handler into d.
func Register(d *engine.Dispatcher, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("service", "[MessageNet]")

	d.RegisterHandler(lcc.MTIVerifyNodeIDAddressed, verifyNodeID)
	d.RegisterHandler(lcc.MTIVerifyNodeIDGlobal, verifyNodeID)
	d.RegisterHandler(lcc.MTIProtocolSupportInquiry, protocolSupportInquiry)
	d.RegisterHandler(lcc.MTIOptionalInteractionRejected, func(ctx *engine.Context) {
		log.Warn("received optional interaction rejected", "node", ctx.Node.ID, "from", ctx.SrcAlias)
	})
	d.RegisterHandler(lcc.MTITerminateDueToError, func(ctx *engine.Context) {
		log.Warn("received terminate due to error", "node", ctx.Node.ID, "from", ctx.SrcAlias)
	})
}

// verifyNodeID answers with Verified Node ID (or its Simple variant,
// gated the same way login's Initialization Complete is) carrying this
// node's 48-bit id (spec.md §4.11, §6).
func verifyNodeID(ctx *engine.Context) {
	mti := lcc.MTIVerifiedNodeID
	if ctx.Node.Parameters != nil && ctx.Node.Parameters.ProtocolSupport&lcc.PSISimple != 0 {
		mti = lcc.MTIVerifiedNodeIDSimple
	}
	idBytes := lcputil.NodeIDToBytesSlice(ctx.Node.ID)
	ctx.Global(mti, buffer.SizeBasic, idBytes)
}

// protocolSupportInquiry answers with the 48-bit PSI_* bitfield configured
// on the node, big-endian (spec.md §6).
func protocolSupportInquiry(ctx *engine.Context) {
	psi := uint64(0)
	if ctx.Node.Parameters != nil {
		psi = ctx.Node.Parameters.ProtocolSupport
	}
	payload := []byte{
		byte(psi >> 40), byte(psi >> 32), byte(psi >> 24),
		byte(psi >> 16), byte(psi >> 8), byte(psi),
	}
	ctx.Reply(lcc.MTIProtocolSupportReply, buffer.SizeBasic, payload)
}
