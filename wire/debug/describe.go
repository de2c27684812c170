package debug

import (
	"encoding/hex"
	"fmt"

	"github.com/user/attengine/wire/att"
)

// Describe renders a decoded PDU as a map of plain values (strings, numbers,
// nested maps and lists) suitable for structpb and for printing
func Describe(pdu att.PDU) map[string]interface{} {
	m := map[string]interface{}{
		"opcode": att.OpcodeName(pdu.Opcode()),
	}

	switch p := pdu.(type) {
	case *att.ErrorResponse:
		m["request_opcode"] = att.OpcodeName(p.RequestOpcode)
		m["handle"] = handleStr(p.Handle)
		m["error"] = att.ErrorName(p.ErrorCode)
	case *att.ExchangeMTURequest:
		m["client_rx_mtu"] = float64(p.ClientRxMTU)
	case *att.ExchangeMTUResponse:
		m["server_rx_mtu"] = float64(p.ServerRxMTU)
	case *att.FindInformationRequest:
		m["start_handle"] = handleStr(p.StartHandle)
		m["end_handle"] = handleStr(p.EndHandle)
	case *att.FindInformationResponse:
		m["format"] = float64(p.Format)
		entries := make([]interface{}, 0, len(p.Entries))
		for _, e := range p.Entries {
			entries = append(entries, map[string]interface{}{
				"handle": handleStr(e.Handle),
				"uuid":   e.UUID.String(),
			})
		}
		m["entries"] = entries
	case *att.FindByTypeValueRequest:
		m["start_handle"] = handleStr(p.StartHandle)
		m["end_handle"] = handleStr(p.EndHandle)
		m["type"] = att.UUID16(p.Type).String()
		m["value"] = hex.EncodeToString(p.Value)
	case *att.FindByTypeValueResponse:
		ranges := make([]interface{}, 0, len(p.Ranges))
		for _, r := range p.Ranges {
			ranges = append(ranges, map[string]interface{}{
				"found":     handleStr(r.Found),
				"group_end": handleStr(r.GroupEnd),
			})
		}
		m["ranges"] = ranges
	case *att.ReadByTypeRequest:
		m["start_handle"] = handleStr(p.StartHandle)
		m["end_handle"] = handleStr(p.EndHandle)
		m["type"] = p.Type.String()
	case *att.ReadByTypeResponse:
		entries := make([]interface{}, 0, len(p.Entries))
		for _, e := range p.Entries {
			entries = append(entries, map[string]interface{}{
				"handle": handleStr(e.Handle),
				"value":  hex.EncodeToString(e.Value),
			})
		}
		m["entries"] = entries
	case *att.ReadRequest:
		m["handle"] = handleStr(p.Handle)
	case *att.ReadResponse:
		m["value"] = hex.EncodeToString(p.Value)
	case *att.ReadBlobRequest:
		m["handle"] = handleStr(p.Handle)
		m["offset"] = float64(p.Offset)
	case *att.ReadBlobResponse:
		m["value"] = hex.EncodeToString(p.Value)
	case *att.ReadMultipleRequest:
		handles := make([]interface{}, 0, len(p.Handles))
		for _, h := range p.Handles {
			handles = append(handles, handleStr(h))
		}
		m["handles"] = handles
	case *att.ReadMultipleResponse:
		m["values"] = hex.EncodeToString(p.Values)
	case *att.ReadByGroupTypeRequest:
		m["start_handle"] = handleStr(p.StartHandle)
		m["end_handle"] = handleStr(p.EndHandle)
		m["type"] = p.Type.String()
	case *att.ReadByGroupTypeResponse:
		entries := make([]interface{}, 0, len(p.Entries))
		for _, e := range p.Entries {
			entries = append(entries, map[string]interface{}{
				"handle":    handleStr(e.Handle),
				"group_end": handleStr(e.GroupEnd),
				"value":     hex.EncodeToString(e.Value),
			})
		}
		m["entries"] = entries
	case *att.WriteRequest:
		m["handle"] = handleStr(p.Handle)
		m["value"] = hex.EncodeToString(p.Value)
	case *att.WriteCommand:
		m["handle"] = handleStr(p.Handle)
		m["value"] = hex.EncodeToString(p.Value)
	case *att.SignedWriteCommand:
		m["handle"] = handleStr(p.Handle)
		m["value"] = hex.EncodeToString(p.Value)
		m["signature"] = hex.EncodeToString(p.Signature[:])
	case *att.PrepareWriteRequest:
		m["handle"] = handleStr(p.Handle)
		m["offset"] = float64(p.Offset)
		m["value"] = hex.EncodeToString(p.Value)
	case *att.PrepareWriteResponse:
		m["handle"] = handleStr(p.Handle)
		m["offset"] = float64(p.Offset)
		m["value"] = hex.EncodeToString(p.Value)
	case *att.ExecuteWriteRequest:
		if p.Flags == att.ExecuteWriteCommit {
			m["flags"] = "commit"
		} else {
			m["flags"] = "cancel"
		}
	case *att.HandleValueNotification:
		m["handle"] = handleStr(p.Handle)
		m["value"] = hex.EncodeToString(p.Value)
	case *att.HandleValueIndication:
		m["handle"] = handleStr(p.Handle)
		m["value"] = hex.EncodeToString(p.Value)
	}
	return m
}

func handleStr(h uint16) string {
	return fmt.Sprintf("0x%04X", h)
}
