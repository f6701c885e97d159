package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a synchronous IPC client. One request is in flight at a
// time; calls from multiple goroutines serialize on the connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	nextID  atomic.Uint32
	timeout time.Duration
}

// Dial connects to the daemon socket.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends one request and decodes the matching response. An
// error message from the daemon becomes a Go error.
func (c *Client) roundTrip(msgType, wantType MessageType, req, resp any) error {
	reqID := c.nextID.Add(1)
	msg, err := Encode(msgType, reqID, req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := msg.Write(c.conn); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	reply, err := ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if reply.Header.RequestID != reqID {
		return fmt.Errorf("response id %d does not match request %d", reply.Header.RequestID, reqID)
	}

	if reply.Header.Type == MsgError {
		var er ErrorResponse
		if err := reply.Decode(&er); err != nil {
			return fmt.Errorf("daemon error (undecodable): %w", err)
		}
		return fmt.Errorf("daemon error %d: %s", er.Code, er.Message)
	}
	if reply.Header.Type != wantType {
		return fmt.Errorf("unexpected response type 0x%04x", uint16(reply.Header.Type))
	}
	if resp != nil {
		return reply.Decode(resp)
	}
	return nil
}

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	return c.roundTrip(MsgPing, MsgPong, nil, nil)
}

// Status fetches the daemon-wide status snapshot.
func (c *Client) Status() (*StatusResponse, error) {
	var out StatusResponse
	if err := c.roundTrip(MsgStatus, MsgStatusResp, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConnState fetches the current connectivity state.
func (c *Client) ConnState() (*ConnStateResponse, error) {
	var out ConnStateResponse
	if err := c.roundTrip(MsgConnState, MsgConnStateResp, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConnHistory fetches recent connectivity transitions.
func (c *Client) ConnHistory() (*ConnHistoryResponse, error) {
	var out ConnHistoryResponse
	if err := c.roundTrip(MsgConnHistory, MsgConnHistoryResp, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enqueue appends one action to the offline queue.
func (c *Client) Enqueue(payload json.RawMessage) (*EnqueueResponse, error) {
	var out EnqueueResponse
	if err := c.roundTrip(MsgQueueEnqueue, MsgQueueEnqueueResp, EnqueueRequest{Payload: payload}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Flush triggers a queue flush.
func (c *Client) Flush() (*FlushResponse, error) {
	var out FlushResponse
	if err := c.roundTrip(MsgQueueFlush, MsgQueueFlushResp, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending reports the queue depth.
func (c *Client) Pending() (int, error) {
	var out PendingResponse
	if err := c.roundTrip(MsgQueuePending, MsgQueuePendingResp, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// CacheUsage reports cache consumption.
func (c *Client) CacheUsage() (*CacheUsageResponse, error) {
	var out CacheUsageResponse
	if err := c.roundTrip(MsgCacheUsage, MsgCacheUsageResp, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CacheEvict removes one cache group.
func (c *Client) CacheEvict(group string) (int, error) {
	var out EvictResponse
	if err := c.roundTrip(MsgCacheEvict, MsgCacheEvictResp, EvictRequest{Group: group}, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// CacheEvictAll removes every cache group.
func (c *Client) CacheEvictAll() (int, error) {
	var out EvictResponse
	if err := c.roundTrip(MsgCacheEvictAll, MsgCacheEvictAllResp, nil, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// CachePreload fetches resources into a cache group.
func (c *Client) CachePreload(group string, urls []string) (*PreloadResponse, error) {
	var out PreloadResponse
	if err := c.roundTrip(MsgCachePreload, MsgCachePreloadResp, PreloadRequest{Group: group, URLs: urls}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NotifyPermission requests notification permission.
func (c *Client) NotifyPermission() (bool, error) {
	var out PermissionResponse
	if err := c.roundTrip(MsgNotifyPermission, MsgNotifyPermissionResp, nil, &out); err != nil {
		return false, err
	}
	return out.Granted, nil
}

// NotifySubscribe registers a push subscription.
func (c *Client) NotifySubscribe(serverKey string) (*SubscribeResponse, error) {
	var out SubscribeResponse
	if err := c.roundTrip(MsgNotifySubscribe, MsgNotifySubscribeResp, SubscribeRequest{ServerKey: serverKey}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NotifyUnsubscribe removes the push subscription.
func (c *Client) NotifyUnsubscribe() error {
	return c.roundTrip(MsgNotifyUnsubscribe, MsgNotifyUnsubscribeResp, nil, nil)
}

// NotifyTest fires a local test notification.
func (c *Client) NotifyTest(title, body string) (bool, error) {
	var out TestNotifyResponse
	if err := c.roundTrip(MsgNotifyTest, MsgNotifyTestResp, TestNotifyRequest{Title: title, Body: body}, &out); err != nil {
		return false, err
	}
	return out.Sent, nil
}

// ProxyStatus reports the worker status.
func (c *Client) ProxyStatus() (*ProxyStatusResponse, error) {
	var out ProxyStatusResponse
	if err := c.roundTrip(MsgProxyStatus, MsgProxyStatusResp, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProxyRegister installs and activates the worker.
func (c *Client) ProxyRegister() (*ProxyStatusResponse, error) {
	var out ProxyStatusResponse
	if err := c.roundTrip(MsgProxyRegister, MsgProxyRegisterResp, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProxyApplyUpdate applies a pending worker update.
func (c *Client) ProxyApplyUpdate() (bool, error) {
	var out ProxyUpdateResponse
	if err := c.roundTrip(MsgProxyApplyUpdate, MsgProxyApplyUpdateResp, nil, &out); err != nil {
		return false, err
	}
	return out.Changed, nil
}

// ProxyCheckUpdate forces a manifest check.
func (c *Client) ProxyCheckUpdate() (bool, error) {
	var out ProxyUpdateResponse
	if err := c.roundTrip(MsgProxyCheckUpdate, MsgProxyCheckUpdateResp, nil, &out); err != nil {
		return false, err
	}
	return out.Changed, nil
}
