// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package serverselector

import (
	"time"

	"github.com/ikmak/mongo-sdam/description"
)

// StalenessEstimator estimates how far a secondary's data lags behind the
// most recent write among the selection candidates.
type StalenessEstimator interface {
	EstimateStaleness(secondary description.Server, candidates []description.Server) time.Duration
}

// StalenessEstimatorFunc adapts a function to a StalenessEstimator.
type StalenessEstimatorFunc func(secondary description.Server, candidates []description.Server) time.Duration

// EstimateStaleness implements the StalenessEstimator interface.
func (f StalenessEstimatorFunc) EstimateStaleness(secondary description.Server, candidates []description.Server) time.Duration {
	return f(secondary, candidates)
}

// LastWriteStaleness estimates staleness from the lastWrite dates reported in
// hello replies.
//
// With a known primary P the estimate for a secondary S is
//
//	(S.lastUpdateTime - S.lastWriteDate) - (P.lastUpdateTime - P.lastWriteDate) + heartbeat
//
// Without a primary among the candidates it is measured against the secondary
// SMax with the greatest lastWriteDate:
//
//	SMax.lastWriteDate - S.lastWriteDate + heartbeat
type LastWriteStaleness struct{}

var _ StalenessEstimator = LastWriteStaleness{}

// EstimateStaleness implements the StalenessEstimator interface.
func (LastWriteStaleness) EstimateStaleness(secondary description.Server, candidates []description.Server) time.Duration {
	if primaries := selectByKind(candidates, description.ServerKindRSPrimary); len(primaries) > 0 {
		primary := primaries[0]
		return secondary.LastUpdateTime.Sub(secondary.LastWriteTime) -
			primary.LastUpdateTime.Sub(primary.LastWriteTime) +
			secondary.HeartbeatInterval
	}

	var maxLastWrite time.Time
	for _, s := range candidates {
		if s.Kind == description.ServerKindRSSecondary && s.LastWriteTime.After(maxLastWrite) {
			maxLastWrite = s.LastWriteTime
		}
	}
	return maxLastWrite.Sub(secondary.LastWriteTime) + secondary.HeartbeatInterval
}
