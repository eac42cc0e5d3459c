// Package nodeconfig loads node.Parameters from an .ini file, the same
// externalized-configuration shape the teacher uses for its bus/node
// settings (config.go), via gopkg.in/ini.v1 rather than hand-rolled
// flag/env parsing.
package nodeconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

// loadCDI reads a raw Configuration Description Information XML blob from
// disk, served verbatim from address space 0xFF by memconfig (spec.md §6
// "CDI ... application-defined bytes").
func loadCDI(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nodeconfig: cdi_file %s: %w", path, err)
	}
	return data, nil
}

// NodeConfig is one [node.<name>] section's fully parsed settings: the
// node id to log in with plus its node.Parameters.
type NodeConfig struct {
	Name       string
	ID         lcc.NodeID
	Parameters node.Parameters
}

// Load parses path and returns one NodeConfig per [node.*] section.
//
// Example file:
//
//	[node.main]
//	id = 05:01:01:01:03:01
//	consumer_count_autocreate = 0
//	producer_count_autocreate = 0
//	protocol_support = simple,datagram,memory_configuration,snip,event_exchange
//	manufacturer = OpenLCB Go
//	model = Example Node
//	hardware_version = 1.0
//	software_version = 1.0
//	user_name = main
//	user_description = example node
func Load(path string) ([]NodeConfig, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("nodeconfig: load %s: %w", path, err)
	}

	var out []NodeConfig
	for _, sec := range cfg.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, "node.") {
			continue
		}
		nc, err := parseSection(sec)
		if err != nil {
			return nil, fmt.Errorf("nodeconfig: section %s: %w", name, err)
		}
		nc.Name = strings.TrimPrefix(name, "node.")
		out = append(out, nc)
	}
	return out, nil
}

func parseSection(sec *ini.Section) (NodeConfig, error) {
	var nc NodeConfig

	id, err := parseNodeID(sec.Key("id").String())
	if err != nil {
		return nc, err
	}
	nc.ID = id

	nc.Parameters.ConsumerCountAutocreate = sec.Key("consumer_count_autocreate").MustInt(0)
	nc.Parameters.ProducerCountAutocreate = sec.Key("producer_count_autocreate").MustInt(0)
	nc.Parameters.ProtocolSupport = parseProtocolSupport(sec.Key("protocol_support").String())

	nc.Parameters.Identity = node.Identity{
		MfgVersion:      uint8(sec.Key("mfg_version").MustUint(4)),
		Manufacturer:    sec.Key("manufacturer").String(),
		Model:           sec.Key("model").String(),
		HardwareVersion: sec.Key("hardware_version").String(),
		SoftwareVersion: sec.Key("software_version").String(),
		UserVersion:     uint8(sec.Key("user_version").MustUint(2)),
		UserName:        sec.Key("user_name").String(),
		UserDescription: sec.Key("user_description").String(),
	}

	if cdiPath := sec.Key("cdi_file").String(); cdiPath != "" {
		data, err := loadCDI(cdiPath)
		if err != nil {
			return nc, err
		}
		nc.Parameters.CDI = data
	}

	return nc, nil
}

// parseNodeID accepts the standard colon-separated 6-byte hex form
// (e.g. "05:01:01:01:03:01"), matching the convention the rest of the
// OpenLCB ecosystem uses for node ids in config files.
func parseNodeID(s string) (lcc.NodeID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return 0, fmt.Errorf("node id %q: want 6 colon-separated hex octets", s)
	}
	var id uint64
	for _, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return 0, fmt.Errorf("node id %q: %w", s, err)
		}
		id = id<<8 | b
	}
	return lcc.NodeID(id), nil
}

var protocolSupportBits = map[string]uint64{
	"simple":                  lcc.PSISimple,
	"datagram":                lcc.PSIDatagram,
	"stream":                  lcc.PSIStream,
	"memory_configuration":    lcc.PSIMemoryConfiguration,
	"event_exchange":          lcc.PSIEventExchange,
	"identification":          lcc.PSIIdentification,
	"teaching_learning":       lcc.PSITeachingLearning,
	"remote_button":           lcc.PSIRemoteButton,
	"abbreviated_cdi":         lcc.PSIAbbreviatedDefaultCDI,
	"display":                 lcc.PSIDisplay,
	"snip":                    lcc.PSISimpleNodeInformation,
	"cdi":                     lcc.PSIConfigurationDescriptionInfo,
	"reservation":             lcc.PSIReservation,
	"firmware_upgrade":        lcc.PSIFirmwareUpgrade,
	"firmware_upgrade_active": lcc.PSIFirmwareUpgradeActive,
	"traction":                lcc.PSITrainControl,
	"function_description":    lcc.PSIFunctionDescription,
	"function_configuration":  lcc.PSIFunctionConfiguration,
}

func parseProtocolSupport(csv string) uint64 {
	var support uint64
	for _, name := range strings.Split(csv, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if bit, ok := protocolSupportBits[name]; ok {
			support |= bit
		}
	}
	return support
}
