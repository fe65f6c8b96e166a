package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Avicted/murmur/internal/user"
)

type inboundFrame struct {
	Type      string          `json:"type"`
	TargetIDs []user.ID       `json:"target_ids,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

type relayRequest struct {
	from    user.ID
	targets []user.ID
	payload json.RawMessage
}

type outboundRelay struct {
	Type    string          `json:"type"`
	From    user.ID         `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type presenceEntry struct {
	UserID    user.ID `json:"user_id"`
	Status    string  `json:"status"`
	EmittedAt string  `json:"emitted_at"`
}

type outboundPresence struct {
	Type   string          `json:"type"`
	Active []presenceEntry `json:"active"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeInbound(data []byte) (inboundFrame, error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return inboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	in.Type = strings.TrimSpace(in.Type)

	switch in.Type {
	case frameRelay:
		payload := bytes.TrimSpace(in.Payload)
		if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
			return inboundFrame{}, errors.New("payload is required")
		}
		if len(in.TargetIDs) > maxTargets {
			return inboundFrame{}, fmt.Errorf("at most %d targets", maxTargets)
		}
		targets := in.TargetIDs[:0]
		for _, id := range in.TargetIDs {
			id = user.ID(strings.TrimSpace(string(id)))
			if id == "" {
				return inboundFrame{}, errors.New("target ids must be non-empty")
			}
			targets = append(targets, id)
		}
		in.TargetIDs = targets
		in.Payload = payload
	case frameHeartbeat:
		in.Status = strings.TrimSpace(in.Status)
		if in.Status == "" {
			return inboundFrame{}, errors.New("status is required")
		}
	case "":
		return inboundFrame{}, errors.New("type is required")
	default:
		return inboundFrame{}, fmt.Errorf("unsupported frame type %q", in.Type)
	}
	return in, nil
}
