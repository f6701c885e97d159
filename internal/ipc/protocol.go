// Package ipc provides the control channel between the tetherd daemon
// and client tools over a unix domain socket.
//
// Messages carry a fixed binary header (magic, version, type, request
// id, payload length) followed by a JSON payload. Requests and
// responses correlate by request id.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x54495043 // "TIPC"

	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 16

	// MaxPayload bounds a single message payload.
	MaxPayload = 16 * 1024 * 1024
)

// MessageType identifies the kind of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing     MessageType = 0x0001
	MsgPong     MessageType = 0x0002
	MsgError    MessageType = 0x0003
	MsgShutdown MessageType = 0x0004

	// Daemon status (0x01xx)
	MsgStatus     MessageType = 0x0100
	MsgStatusResp MessageType = 0x0101

	// Connectivity (0x02xx)
	MsgConnState       MessageType = 0x0200
	MsgConnStateResp   MessageType = 0x0201
	MsgConnHistory     MessageType = 0x0202
	MsgConnHistoryResp MessageType = 0x0203

	// Offline queue (0x03xx)
	MsgQueueEnqueue     MessageType = 0x0300
	MsgQueueEnqueueResp MessageType = 0x0301
	MsgQueueFlush       MessageType = 0x0302
	MsgQueueFlushResp   MessageType = 0x0303
	MsgQueuePending     MessageType = 0x0304
	MsgQueuePendingResp MessageType = 0x0305

	// Cache (0x04xx)
	MsgCacheUsage       MessageType = 0x0400
	MsgCacheUsageResp   MessageType = 0x0401
	MsgCacheEvict       MessageType = 0x0402
	MsgCacheEvictResp   MessageType = 0x0403
	MsgCacheEvictAll    MessageType = 0x0404
	MsgCacheEvictAllResp MessageType = 0x0405
	MsgCachePreload     MessageType = 0x0406
	MsgCachePreloadResp MessageType = 0x0407

	// Notifications (0x05xx)
	MsgNotifyPermission     MessageType = 0x0500
	MsgNotifyPermissionResp MessageType = 0x0501
	MsgNotifySubscribe      MessageType = 0x0502
	MsgNotifySubscribeResp  MessageType = 0x0503
	MsgNotifyUnsubscribe    MessageType = 0x0504
	MsgNotifyUnsubscribeResp MessageType = 0x0505
	MsgNotifyTest           MessageType = 0x0506
	MsgNotifyTestResp       MessageType = 0x0507

	// Proxy worker (0x06xx)
	MsgProxyStatus          MessageType = 0x0600
	MsgProxyStatusResp      MessageType = 0x0601
	MsgProxyRegister        MessageType = 0x0602
	MsgProxyRegisterResp    MessageType = 0x0603
	MsgProxyApplyUpdate     MessageType = 0x0604
	MsgProxyApplyUpdateResp MessageType = 0x0605
	MsgProxyCheckUpdate     MessageType = 0x0606
	MsgProxyCheckUpdateResp MessageType = 0x0607
)

// Header is the fixed-size message header.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// Message wraps a header and its JSON payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a message of the given type.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Encode marshals a payload struct into a message.
func Encode(msgType MessageType, requestID uint32, payload any) (*Message, error) {
	if payload == nil {
		return NewMessage(msgType, requestID, nil), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return NewMessage(msgType, requestID, data), nil
}

// Decode unmarshals the message payload into out.
func (m *Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, out)
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the full message to w.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads one complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ErrorResponse reports a failed operation.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrUnknown        = 1
	ErrInvalidRequest = 2
	ErrUnavailable    = 3
	ErrInternal       = 4
)

// StatusResponse is the daemon-wide status snapshot.
type StatusResponse struct {
	Version      string    `json:"version"`
	StartedAt    time.Time `json:"started_at"`
	Online       bool      `json:"online"`
	Quality      string    `json:"quality"`
	QueuePending int       `json:"queue_pending"`
	ProxyState   string    `json:"proxy_state,omitempty"`
	ProxyVersion string    `json:"proxy_version,omitempty"`
	NotifyGranted bool     `json:"notify_granted"`
	CacheBytes   int64     `json:"cache_bytes"`
	CacheQuota   int64     `json:"cache_quota"`
}

// ConnStateResponse mirrors the monitor's current state.
type ConnStateResponse struct {
	Online    bool    `json:"online"`
	Quality   string  `json:"quality"`
	Downlink  float64 `json:"downlink_mbps"`
	RTTMillis float64 `json:"rtt_ms"`
}

// TransitionRecord is one entry of the transition history.
type TransitionRecord struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// ConnHistoryResponse lists recent transitions, oldest first.
type ConnHistoryResponse struct {
	Transitions []TransitionRecord `json:"transitions"`
}

// EnqueueRequest appends one action to the offline queue.
type EnqueueRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// EnqueueResponse acknowledges an enqueue.
type EnqueueResponse struct {
	ID      string `json:"id"`
	Pending int    `json:"pending"`
}

// FlushResponse reports one flush pass.
type FlushResponse struct {
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Remaining int  `json:"remaining"`
	Coalesced bool `json:"coalesced"`
}

// PendingResponse reports the queue depth.
type PendingResponse struct {
	Count int `json:"count"`
}

// CacheUsageResponse reports cache consumption.
type CacheUsageResponse struct {
	TotalBytes int64            `json:"total_bytes"`
	QuotaBytes int64            `json:"quota_bytes"`
	Groups     map[string]int64 `json:"groups"`
}

// EvictRequest names one cache group.
type EvictRequest struct {
	Group string `json:"group"`
}

// EvictResponse reports how many groups were removed.
type EvictResponse struct {
	Removed int `json:"removed"`
}

// PreloadRequest asks the daemon to fetch resources into a group.
type PreloadRequest struct {
	Group string   `json:"group"`
	URLs  []string `json:"urls"`
}

// PreloadResponse reports the preload outcome.
type PreloadResponse struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// PermissionResponse reports notification permission state.
type PermissionResponse struct {
	Granted bool `json:"granted"`
}

// SubscribeRequest carries the push server key.
type SubscribeRequest struct {
	ServerKey string `json:"server_key"`
}

// SubscribeResponse reports the subscription outcome.
type SubscribeResponse struct {
	Subscribed bool   `json:"subscribed"`
	Endpoint   string `json:"endpoint,omitempty"`
}

// TestNotifyRequest fires a local test notification.
type TestNotifyRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// TestNotifyResponse reports whether the notification was sent.
type TestNotifyResponse struct {
	Sent bool `json:"sent"`
}

// ProxyStatusResponse mirrors the worker status.
type ProxyStatusResponse struct {
	State           string `json:"state"`
	Version         string `json:"version"`
	ManifestVersion string `json:"manifest_version,omitempty"`
	Addr            string `json:"addr,omitempty"`
}

// ProxyUpdateResponse reports whether an update was applied or raised.
type ProxyUpdateResponse struct {
	Changed bool `json:"changed"`
}
