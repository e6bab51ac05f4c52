package agent

import (
	"time"

	C "github.com/sagernet/fakecert/constant"
	"github.com/sagernet/fakecert/wire"
	E "github.com/sagernet/sing/common/exceptions"
)

// transmit sends the query datagram and retransmits with the SAME
// sequence id until a response arrives or the wait timeout passes. The
// server deduplicates by recent-issuance cache, so a duplicate delivery
// costs one datagram, not one signing operation.
func (a *Agent) transmit(query *pendingQuery) {
	_, err := a.conn.Write(query.payload)
	if err != nil {
		a.finish(query, nil, 0, E.Cause(err, "send query"))
		return
	}
	deadline := time.NewTimer(a.queryWaitTimeout)
	defer deadline.Stop()
	retryInterval := a.queryWaitTimeout / time.Duration(a.queryRetry+1)
	retry := time.NewTicker(retryInterval)
	defer retry.Stop()
	retransmits := 0
	for {
		select {
		case <-query.done:
			return
		case <-a.done:
			return
		case <-deadline.C:
			a.finish(query, nil, 0, E.Extend(ErrQueryFailed, "timeout waiting for ", query.key.host))
			return
		case <-retry.C:
			if retransmits >= a.queryRetry {
				continue
			}
			retransmits++
			_, err = a.conn.Write(query.payload)
			if err != nil {
				a.finish(query, nil, 0, E.Cause(err, "send query"))
				return
			}
		}
	}
}

// loopRead routes response datagrams to their outstanding queries by
// sequence id. Responses for ids no longer in flight are dropped, as are
// datagrams that fail to decode.
func (a *Agent) loopRead() {
	buffer := make([]byte, C.DefaultReadBufferSize)
	for {
		n, err := a.conn.Read(buffer)
		if err != nil {
			if !a.running.Load() || E.IsClosedOrCanceled(err) {
				return
			}
			// Connected UDP sockets surface ICMP unreachable as a read
			// error; the retransmit timer owns failure handling.
			a.logger.Debug("read response: ", err)
			continue
		}
		response, err := wire.DecodeResponse(buffer[:n])
		if err != nil {
			a.logger.Debug("drop malformed response: ", err)
			continue
		}
		a.access.Lock()
		query, loaded := a.inflight[response.ID]
		a.access.Unlock()
		if !loaded {
			continue
		}
		if response.IsError() {
			a.finish(query, nil, 0, E.Extend(ErrQueryFailed, "server code ", response.Code, ": ", response.Reason))
			continue
		}
		pair, err := pairFromResponse(response)
		if err != nil {
			a.finish(query, nil, 0, err)
			continue
		}
		a.finish(query, pair, a.clampTTL(response.TTL), nil)
	}
}
