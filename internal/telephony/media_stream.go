package telephony

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/callorch/pkg/orchestrator"
)

// inboundFrame covers the four frame kinds a telephony provider's media
// stream sends: connected, start, media, stop.
type inboundFrame struct {
	Event string `json:"event"`

	Start *struct {
		StreamSid         string            `json:"streamSid"`
		CallSid           string            `json:"callSid"`
		CustomParameters  map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`

	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`

	StreamSid string `json:"streamSid,omitempty"`
}

// outboundMediaFrame is the wire shape for audio sent back to the caller.
type outboundMediaFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundClearFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// CallBuilder constructs a live Call for a newly-admitted media stream.
// It is supplied by cmd/server so this package never imports every
// provider concretely.
type CallBuilder func(ctx context.Context, params orchestrator.CallParams) (*orchestrator.Call, error)

// MediaStreamHandler upgrades a telephony media-stream WebSocket and
// drives one orchestrator.Call end to end, per spec.md §6.
type MediaStreamHandler struct {
	Build  CallBuilder
	Logger orchestrator.Logger
}

func NewMediaStreamHandler(build CallBuilder, logger orchestrator.Logger) *MediaStreamHandler {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &MediaStreamHandler{Build: build, Logger: logger}
}

func (h *MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.Logger.Error("media-stream: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	streamSid, call, closeCode, closeReason, ok := h.awaitStart(ctx, conn)
	if !ok {
		conn.Close(closeCode, closeReason)
		return
	}
	defer call.Stop("media stream closed")

	// Pump outbound Call events (audio/clear) to the socket.
	go h.pumpEvents(ctx, conn, streamSid, call)

	h.readLoop(ctx, conn, call)
}

// awaitStart reads frames until it sees "start" (after an optional
// "connected"), resolves the call parameters from its customParameters,
// and builds the Call. It returns ok=false with a close code/reason per
// spec.md §6 when admission is refused.
func (h *MediaStreamHandler) awaitStart(ctx context.Context, conn *websocket.Conn) (string, *orchestrator.Call, websocket.StatusCode, string, bool) {
	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return "", nil, websocket.StatusNormalClosure, "", false
		}

		switch frame.Event {
		case "connected":
			continue
		case "start":
			if frame.Start == nil || frame.Start.CallSid == "" {
				return "", nil, websocket.StatusPolicyViolation, "Missing callSid", false
			}
			params := orchestrator.CallParams{
				CallID:         frame.Start.CallSid,
				StreamID:       frame.Start.StreamSid,
				AgentID:        frame.Start.CustomParameters["agentId"],
				ConversationID: frame.Start.CustomParameters["conversationId"],
				OrgID:          frame.Start.CustomParameters["orgId"],
			}
			call, err := h.Build(ctx, params)
			if err != nil {
				h.Logger.Warn("media-stream: call admission refused", "callSid", params.CallID, "error", err)
				switch err {
				case orchestrator.ErrConversationNotFound:
					return "", nil, websocket.StatusPolicyViolation, "Conversation not found", false
				case orchestrator.ErrInsufficientBalance:
					return "", nil, websocket.StatusPolicyViolation, "Insufficient balance", false
				case orchestrator.ErrCallAlreadyReserved:
					// A repeated start() for the same provider-call-id is a
					// no-op attach, not a double-initialize: the original
					// socket (if still live) keeps driving the call, and
					// this duplicate is closed rather than spinning up a
					// second concurrent Call for the same call-id.
					return "", nil, websocket.StatusPolicyViolation, "Call already active", false
				default:
					return "", nil, websocket.StatusInternalError, "admission failed", false
				}
			}
			return frame.Start.StreamSid, call, 0, "", true
		default:
			// media/stop before start is unexpected; ignore and keep
			// waiting rather than failing the whole connection.
			continue
		}
	}
}

// pumpEvents forwards Call.Events() to the socket as media/clear frames
// until the pipeline ends.
func (h *MediaStreamHandler) pumpEvents(ctx context.Context, conn *websocket.Conn, streamSid string, call *orchestrator.Call) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-call.Events():
			if !open {
				return
			}
			switch ev.Type {
			case orchestrator.EventAudioChunk:
				out := outboundMediaFrame{Event: "media", StreamSid: streamSid}
				out.Media.Payload = base64.StdEncoding.EncodeToString(ev.Audio)
				if err := wsjson.Write(ctx, conn, out); err != nil {
					return
				}
			case orchestrator.EventClear:
				out := outboundClearFrame{Event: "clear", StreamSid: streamSid}
				if err := wsjson.Write(ctx, conn, out); err != nil {
					return
				}
			case orchestrator.EventClosed:
				reason := "call ended"
				if ev.Err == orchestrator.ErrGhostCallTimeout {
					conn.Close(websocket.StatusPolicyViolation, "Ghost call timeout")
				} else if ev.Err == orchestrator.ErrInsufficientBalance {
					conn.Close(websocket.StatusPolicyViolation, "Insufficient balance")
				} else {
					conn.Close(websocket.StatusNormalClosure, reason)
				}
				return
			}
		}
	}
}

// readLoop decodes inbound media frames and forwards audio to the Call
// until stop or the socket closes.
func (h *MediaStreamHandler) readLoop(ctx context.Context, conn *websocket.Conn, call *orchestrator.Call) {
	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}

		switch frame.Event {
		case "media":
			if frame.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				continue
			}
			if err := call.HandleAudio(payload); err != nil {
				h.Logger.Warn("media-stream: handle audio failed", "error", err)
			}
		case "stop":
			return
		}
	}
}
