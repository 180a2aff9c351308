package audit

import (
	"net/http"
	"net/netip"
	"strings"
	"time"

	"ivlab/internal/auth"
)

// FromRequest starts an entry for action on runID, stamped with the caller and where the request came from.
func FromRequest(r *http.Request, action, runID string) Entry {
	entry := Entry{
		ID:        NewID(),
		Action:    action,
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	}
	if r == nil {
		return entry
	}
	entry.IP = clientAddr(r)
	entry.UserAgent = r.UserAgent()
	if op, ok := auth.OperatorFromContext(r.Context()); ok {
		entry.Actor = op.Name
		entry.Role = string(op.Role)
	}
	return entry
}

// clientAddr prefers the first parseable hop of X-Forwarded-For, then X-Real-IP,
// then the connection address. Header values that are not addresses are skipped.
func clientAddr(r *http.Request) string {
	for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if addr, err := netip.ParseAddr(strings.TrimSpace(hop)); err == nil {
			return addr.String()
		}
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.String()
	}
	if addrPort, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return addrPort.Addr().String()
	}
	return r.RemoteAddr
}
