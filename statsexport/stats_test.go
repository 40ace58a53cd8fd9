// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package statsexport

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestExporterRecordsLabeledMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := New(reg)

	e.NackRequested("1111")
	e.RtxBufferLen("1111", 42)
	e.IceState("worker-1", 2)

	families, err := reg.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	require.True(t, found["sfuworker_nack_requested_total"])
	require.True(t, found["sfuworker_rtx_buffer_length"])
	require.True(t, found["sfuworker_ice_state"])
}
