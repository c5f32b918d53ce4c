package aiengine

import (
	"testing"

	"github.com/edge-agent/agent/pkg/model"
	"github.com/stretchr/testify/require"
)

func TestFilterAcceptsAllClassesWhenWhitelistEmpty(t *testing.T) {
	f := NewFilter(0.5, nil)
	r := model.Result{Detections: []model.Detection{
		{Class: "person", Confidence: 0.9},
		{Class: "cat", Confidence: 0.6},
		{Class: "dog", Confidence: 0.2},
	}}
	surviving := f.Apply(r)
	require.Len(t, surviving, 2)
}

func TestFilterRestrictsToWhitelist(t *testing.T) {
	f := NewFilter(0.1, []string{"person"})
	r := model.Result{Detections: []model.Detection{
		{Class: "person", Confidence: 0.9},
		{Class: "cat", Confidence: 0.95},
	}}
	surviving := f.Apply(r)
	require.Len(t, surviving, 1)
	require.Equal(t, "person", surviving[0].Class)
}

func TestMaxConfidenceAggregatesAcrossSurvivors(t *testing.T) {
	dets := []model.Detection{
		{Class: "a", Confidence: 0.3},
		{Class: "b", Confidence: 0.8},
		{Class: "c", Confidence: 0.5},
	}
	require.Equal(t, float32(0.8), maxConfidence(dets))
}

func TestFilterSetReplacesConfigurationAtomically(t *testing.T) {
	f := NewFilter(0.9, nil)
	r := model.Result{Detections: []model.Detection{{Class: "person", Confidence: 0.5}}}
	require.Empty(t, f.Apply(r))

	f.Set(0.1, []string{"person"})
	require.Len(t, f.Apply(r), 1)
}
