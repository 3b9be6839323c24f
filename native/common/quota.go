package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaNotionalExceeded = errors.New("quota notional cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	ReqCount     uint32
	NotionalUsed uint64
	EpochID      uint64
}

// Quota defines the limits enforced for a module interaction per address.
// Notional is denominated in whole USD.
type Quota struct {
	MaxRequestsPerMin   uint32
	MaxNotionalPerEpoch uint64
	EpochSeconds        uint32
}

// CheckQuota verifies whether the additional request and notional usage fit
// within the configured quota. The returned QuotaNow reflects the updated
// counters when the quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addNotional uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerMin > 0 && next.ReqCount > q.MaxRequestsPerMin {
		return prev, ErrQuotaRequestsExceeded
	}

	if addNotional > 0 {
		if next.NotionalUsed > math.MaxUint64-addNotional {
			return prev, ErrQuotaCounterOverflow
		}
		next.NotionalUsed += addNotional
	}
	if q.MaxNotionalPerEpoch > 0 && next.NotionalUsed > q.MaxNotionalPerEpoch {
		return prev, ErrQuotaNotionalExceeded
	}

	return next, nil
}
