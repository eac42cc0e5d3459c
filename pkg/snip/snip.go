// Package snip implements the Simple Node Information Protocol handler
// (spec.md §4.11): answers a Simple Node Info Request with a version byte
// and four NUL-terminated manufacturer strings, then a second version byte
// and two NUL-terminated user strings, laid out per the 253-byte SNIP
// standard (manufacturer block, then user block).
package snip

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/engine"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

// Register installs the SNIP request handler into d.
func Register(d *engine.Dispatcher, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("service", "[SNIP]")
	d.RegisterHandler(lcc.MTISimpleNodeInfoRequest, func(ctx *engine.Context) {
		ctx.Reply(lcc.MTISimpleNodeInfoReply, buffer.SizeSNIP, Encode(ctx.Node.Parameters.Identity))
	})
}

// Encode lays out a node's identity as the SNIP reply payload: mfg version
// byte, manufacturer/model/hardware/software version strings (each
// NUL-terminated), then user version byte, user name, user description
// (spec.md §6 ACDI Manufacturer/User space layouts).
func Encode(id node.Identity) []byte {
	buf := make([]byte, 0, buffer.SNIPPayloadCap)
	buf = append(buf, id.MfgVersion)
	buf = appendCString(buf, id.Manufacturer)
	buf = appendCString(buf, id.Model)
	buf = appendCString(buf, id.HardwareVersion)
	buf = appendCString(buf, id.SoftwareVersion)
	buf = append(buf, id.UserVersion)
	buf = appendCString(buf, id.UserName)
	buf = appendCString(buf, id.UserDescription)
	return buf
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}
