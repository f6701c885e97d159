package ipc

import (
	"context"
	"fmt"
	"time"

	"tetherd/internal/cache"
	"tetherd/internal/connectivity"
	"tetherd/internal/notify"
	"tetherd/internal/proxy"
	"tetherd/internal/queue"
)

// Daemon dispatches IPC requests to the daemon's components. Nil
// components answer with an unavailable error, so a partially wired
// daemon still serves the rest of the surface.
type Daemon struct {
	Version   string
	StartedAt time.Time

	Monitor *connectivity.Monitor
	Queue   *queue.Queue
	Cache   *cache.Accountant
	Notify  *notify.Manager
	Proxy   *proxy.Manager
}

// HandleMessage implements Handler.
func (d *Daemon) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	reqID := msg.Header.RequestID

	switch msg.Header.Type {
	case MsgStatus:
		return d.status(ctx, reqID)

	case MsgConnState:
		if d.Monitor == nil {
			return unavailable(reqID, "connectivity")
		}
		st := d.Monitor.State()
		return Encode(MsgConnStateResp, reqID, ConnStateResponse{
			Online:    st.Online,
			Quality:   st.QualityName,
			Downlink:  st.Downlink,
			RTTMillis: st.RTTMillis,
		})

	case MsgConnHistory:
		if d.Monitor == nil {
			return unavailable(reqID, "connectivity")
		}
		hist := d.Monitor.History()
		out := ConnHistoryResponse{Transitions: make([]TransitionRecord, len(hist))}
		for i, tr := range hist {
			out.Transitions[i] = TransitionRecord{Online: tr.Online, At: tr.At}
		}
		return Encode(MsgConnHistoryResp, reqID, out)

	case MsgQueueEnqueue:
		if d.Queue == nil {
			return unavailable(reqID, "queue")
		}
		var req EnqueueRequest
		if err := msg.Decode(&req); err != nil {
			return badRequest(reqID, err)
		}
		if len(req.Payload) == 0 {
			return badRequest(reqID, fmt.Errorf("empty payload"))
		}
		id := d.Queue.Enqueue(req.Payload)
		return Encode(MsgQueueEnqueueResp, reqID, EnqueueResponse{
			ID:      id,
			Pending: d.Queue.PendingCount(),
		})

	case MsgQueueFlush:
		if d.Queue == nil {
			return unavailable(reqID, "queue")
		}
		res, err := d.Queue.Flush(ctx, nil)
		if err != nil {
			return nil, err
		}
		return Encode(MsgQueueFlushResp, reqID, FlushResponse{
			Attempted: res.Attempted,
			Delivered: res.Delivered,
			Remaining: res.Remaining,
			Coalesced: res.Coalesced,
		})

	case MsgQueuePending:
		if d.Queue == nil {
			return unavailable(reqID, "queue")
		}
		return Encode(MsgQueuePendingResp, reqID, PendingResponse{
			Count: d.Queue.PendingCount(),
		})

	case MsgCacheUsage:
		if d.Cache == nil {
			return unavailable(reqID, "cache")
		}
		u, err := d.Cache.Usage(ctx)
		if err != nil {
			return nil, err
		}
		return Encode(MsgCacheUsageResp, reqID, CacheUsageResponse{
			TotalBytes: u.TotalBytes,
			QuotaBytes: u.QuotaBytes,
			Groups:     u.Groups,
		})

	case MsgCacheEvict:
		if d.Cache == nil {
			return unavailable(reqID, "cache")
		}
		var req EvictRequest
		if err := msg.Decode(&req); err != nil {
			return badRequest(reqID, err)
		}
		n, err := d.Cache.Evict(req.Group)
		if err != nil {
			return nil, err
		}
		return Encode(MsgCacheEvictResp, reqID, EvictResponse{Removed: n})

	case MsgCacheEvictAll:
		if d.Cache == nil {
			return unavailable(reqID, "cache")
		}
		n, err := d.Cache.EvictAll()
		if err != nil {
			return nil, err
		}
		return Encode(MsgCacheEvictAllResp, reqID, EvictResponse{Removed: n})

	case MsgCachePreload:
		if d.Cache == nil {
			return unavailable(reqID, "cache")
		}
		var req PreloadRequest
		if err := msg.Decode(&req); err != nil {
			return badRequest(reqID, err)
		}
		res, err := d.Cache.Preload(ctx, req.Group, req.URLs)
		if err != nil {
			return nil, err
		}
		return Encode(MsgCachePreloadResp, reqID, PreloadResponse{
			Succeeded: res.Succeeded,
			Failed:    res.Failed,
		})

	case MsgNotifyPermission:
		if d.Notify == nil {
			return unavailable(reqID, "notify")
		}
		granted := d.Notify.RequestPermission(ctx)
		return Encode(MsgNotifyPermissionResp, reqID, PermissionResponse{Granted: granted})

	case MsgNotifySubscribe:
		if d.Notify == nil {
			return unavailable(reqID, "notify")
		}
		var req SubscribeRequest
		if err := msg.Decode(&req); err != nil {
			return badRequest(reqID, err)
		}
		sub, err := d.Notify.Subscribe(ctx, req.ServerKey)
		if err != nil {
			return nil, err
		}
		out := SubscribeResponse{}
		if sub != nil {
			out.Subscribed = true
			out.Endpoint = sub.Endpoint
		}
		return Encode(MsgNotifySubscribeResp, reqID, out)

	case MsgNotifyUnsubscribe:
		if d.Notify == nil {
			return unavailable(reqID, "notify")
		}
		if err := d.Notify.Unsubscribe(ctx); err != nil {
			return nil, err
		}
		return Encode(MsgNotifyUnsubscribeResp, reqID, struct{}{})

	case MsgNotifyTest:
		if d.Notify == nil {
			return unavailable(reqID, "notify")
		}
		var req TestNotifyRequest
		if err := msg.Decode(&req); err != nil {
			return badRequest(reqID, err)
		}
		sent := d.Notify.SendTest(req.Title, req.Body)
		return Encode(MsgNotifyTestResp, reqID, TestNotifyResponse{Sent: sent})

	case MsgProxyStatus:
		if d.Proxy == nil {
			return unavailable(reqID, "proxy")
		}
		st := d.Proxy.Status()
		return Encode(MsgProxyStatusResp, reqID, ProxyStatusResponse{
			State:           st.State,
			Version:         st.Version,
			ManifestVersion: st.ManifestVersion,
			Addr:            st.Addr,
		})

	case MsgProxyRegister:
		if d.Proxy == nil {
			return unavailable(reqID, "proxy")
		}
		if err := d.Proxy.Register(ctx); err != nil {
			return nil, err
		}
		st := d.Proxy.Status()
		return Encode(MsgProxyRegisterResp, reqID, ProxyStatusResponse{
			State:   st.State,
			Version: st.Version,
			Addr:    st.Addr,
		})

	case MsgProxyApplyUpdate:
		if d.Proxy == nil {
			return unavailable(reqID, "proxy")
		}
		applied, err := d.Proxy.ApplyUpdate(ctx)
		if err != nil {
			return nil, err
		}
		return Encode(MsgProxyApplyUpdateResp, reqID, ProxyUpdateResponse{Changed: applied})

	case MsgProxyCheckUpdate:
		if d.Proxy == nil {
			return unavailable(reqID, "proxy")
		}
		raised := d.Proxy.CheckUpdate()
		return Encode(MsgProxyCheckUpdateResp, reqID, ProxyUpdateResponse{Changed: raised})
	}

	return nil, nil
}

func (d *Daemon) status(ctx context.Context, reqID uint32) (*Message, error) {
	out := StatusResponse{
		Version:   d.Version,
		StartedAt: d.StartedAt,
	}

	if d.Monitor != nil {
		st := d.Monitor.State()
		out.Online = st.Online
		out.Quality = st.QualityName
	}
	if d.Queue != nil {
		out.QueuePending = d.Queue.PendingCount()
	}
	if d.Proxy != nil {
		st := d.Proxy.Status()
		out.ProxyState = st.State
		out.ProxyVersion = st.Version
	}
	if d.Notify != nil {
		out.NotifyGranted = d.Notify.Granted()
	}
	if d.Cache != nil {
		if u, err := d.Cache.Usage(ctx); err == nil {
			out.CacheBytes = u.TotalBytes
			out.CacheQuota = u.QuotaBytes
		}
	}

	return Encode(MsgStatusResp, reqID, out)
}

func unavailable(reqID uint32, component string) (*Message, error) {
	return Encode(MsgError, reqID, ErrorResponse{
		Code:    ErrUnavailable,
		Message: component + " is not available",
	})
}

func badRequest(reqID uint32, err error) (*Message, error) {
	return Encode(MsgError, reqID, ErrorResponse{
		Code:    ErrInvalidRequest,
		Message: err.Error(),
	})
}
