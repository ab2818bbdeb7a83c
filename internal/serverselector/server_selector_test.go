// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package serverselector

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/description"
	"github.com/ikmak/mongo-sdam/readpref"
	"github.com/ikmak/mongo-sdam/tag"
)

func TestServerSelection(t *testing.T) {
	noerr := func(t *testing.T, err error) {
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
			t.FailNow()
		}
	}

	t.Run("WriteSelector", func(t *testing.T) {
		testCases := []struct {
			name  string
			desc  description.Topology
			start int
			end   int
		}{
			{
				name: "ReplicaSetWithPrimary",
				desc: description.Topology{
					Kind: description.TopologyKindReplicaSetWithPrimary,
					Servers: []description.Server{
						{Addr: address.Address("localhost:27017"), Kind: description.ServerKindRSPrimary},
						{Addr: address.Address("localhost:27018"), Kind: description.ServerKindRSSecondary},
						{Addr: address.Address("localhost:27019"), Kind: description.ServerKindRSSecondary},
					},
				},
				start: 0,
				end:   1,
			},
			{
				name: "ReplicaSetNoPrimary",
				desc: description.Topology{
					Kind: description.TopologyKindReplicaSetNoPrimary,
					Servers: []description.Server{
						{Addr: address.Address("localhost:27018"), Kind: description.ServerKindRSSecondary},
						{Addr: address.Address("localhost:27019"), Kind: description.ServerKindRSSecondary},
					},
				},
				start: 0,
				end:   0,
			},
			{
				name: "Sharded",
				desc: description.Topology{
					Kind: description.TopologyKindSharded,
					Servers: []description.Server{
						{Addr: address.Address("localhost:27018"), Kind: description.ServerKindMongos},
						{Addr: address.Address("localhost:27019"), Kind: description.ServerKindMongos},
					},
				},
				start: 0,
				end:   2,
			},
			{
				name: "Single",
				desc: description.Topology{
					Kind: description.TopologyKindSingle,
					Servers: []description.Server{
						{Addr: address.Address("localhost:27018"), Kind: description.ServerKindStandalone},
					},
				},
				start: 0,
				end:   1,
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				result, err := (&Write{}).SelectServer(tc.desc, tc.desc.Servers)
				noerr(t, err)
				if len(result) != tc.end-tc.start {
					t.Errorf("Incorrect number of servers selected. got %d; want %d", len(result), tc.end-tc.start)
				}
				if diff := cmp.Diff(result, tc.desc.Servers[tc.start:tc.end]); diff != "" {
					t.Errorf("Incorrect servers selected (-got +want):\n%s", diff)
				}
			})
		}
	})
	t.Run("LatencySelector", func(t *testing.T) {
		testCases := []struct {
			name  string
			desc  description.Topology
			start int
			end   int
		}{
			{
				name: "NoRTTSet",
				desc: description.Topology{
					Servers: []description.Server{
						{Addr: address.Address("localhost:27017")},
						{Addr: address.Address("localhost:27018")},
						{Addr: address.Address("localhost:27019")},
					},
				},
				start: 0,
				end:   3,
			},
			{
				name: "MultipleServers PartialNoRTTSet",
				desc: description.Topology{
					Servers: []description.Server{
						{Addr: address.Address("localhost:27017"), AverageRTT: 5 * time.Second, AverageRTTSet: true},
						{Addr: address.Address("localhost:27018"), AverageRTT: 10 * time.Second, AverageRTTSet: true},
						{Addr: address.Address("localhost:27019")},
					},
				},
				start: 0,
				end:   2,
			},
			{
				name: "MultipleServers",
				desc: description.Topology{
					Servers: []description.Server{
						{Addr: address.Address("localhost:27017"), AverageRTT: 5 * time.Second, AverageRTTSet: true},
						{Addr: address.Address("localhost:27018"), AverageRTT: 10 * time.Second, AverageRTTSet: true},
						{Addr: address.Address("localhost:27019"), AverageRTT: 26 * time.Second, AverageRTTSet: true},
					},
				},
				start: 0,
				end:   2,
			},
			{
				name:  "No Servers",
				desc:  description.Topology{Servers: []description.Server{}},
				start: 0,
				end:   0,
			},
			{
				name: "1 Server",
				desc: description.Topology{
					Servers: []description.Server{
						{Addr: address.Address("localhost:27017"), AverageRTT: 26 * time.Second, AverageRTTSet: true},
					},
				},
				start: 0,
				end:   1,
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				result, err := (&Latency{Latency: 20 * time.Second}).SelectServer(tc.desc, tc.desc.Servers)
				noerr(t, err)
				if len(result) != tc.end-tc.start {
					t.Errorf("Incorrect number of servers selected. got %d; want %d", len(result), tc.end-tc.start)
				}
				if diff := cmp.Diff(result, tc.desc.Servers[tc.start:tc.end]); diff != "" {
					t.Errorf("Incorrect servers selected (-got +want):\n%s", diff)
				}
			})
		}
	})
}

var readPrefTestPrimary = description.Server{
	Addr:              address.Address("localhost:27017"),
	HeartbeatInterval: time.Duration(10) * time.Second,
	LastWriteTime:     time.Date(2017, 2, 11, 14, 0, 0, 0, time.UTC),
	LastUpdateTime:    time.Date(2017, 2, 11, 14, 0, 2, 0, time.UTC),
	Kind:              description.ServerKindRSPrimary,
	Tags:              tag.Set{tag.Tag{Name: "a", Value: "1"}},
	WireVersion:       &description.VersionRange{Min: 6, Max: 21},
}
var readPrefTestSecondary1 = description.Server{
	Addr:              address.Address("localhost:27018"),
	HeartbeatInterval: time.Duration(10) * time.Second,
	LastWriteTime:     time.Date(2017, 2, 11, 13, 58, 0, 0, time.UTC),
	LastUpdateTime:    time.Date(2017, 2, 11, 14, 0, 2, 0, time.UTC),
	Kind:              description.ServerKindRSSecondary,
	Tags:              tag.Set{tag.Tag{Name: "a", Value: "1"}},
	WireVersion:       &description.VersionRange{Min: 6, Max: 21},
}
var readPrefTestSecondary2 = description.Server{
	Addr:              address.Address("localhost:27018"),
	HeartbeatInterval: time.Duration(10) * time.Second,
	LastWriteTime:     time.Date(2017, 2, 11, 14, 0, 0, 0, time.UTC),
	LastUpdateTime:    time.Date(2017, 2, 11, 14, 0, 2, 0, time.UTC),
	Kind:              description.ServerKindRSSecondary,
	Tags:              tag.Set{tag.Tag{Name: "a", Value: "2"}},
	WireVersion:       &description.VersionRange{Min: 6, Max: 21},
}
var readPrefTestTopology = description.Topology{
	Kind:    description.TopologyKindReplicaSetWithPrimary,
	Servers: []description.Server{readPrefTestPrimary, readPrefTestSecondary1, readPrefTestSecondary2},
}

func TestSelector_Sharded(t *testing.T) {
	t.Parallel()

	subject := readpref.Primary()

	s := description.Server{
		Addr:              address.Address("localhost:27017"),
		HeartbeatInterval: time.Duration(10) * time.Second,
		LastWriteTime:     time.Date(2017, 2, 11, 14, 0, 0, 0, time.UTC),
		LastUpdateTime:    time.Date(2017, 2, 11, 14, 0, 2, 0, time.UTC),
		Kind:              description.ServerKindMongos,
		WireVersion:       &description.VersionRange{Min: 6, Max: 21},
	}
	c := description.Topology{
		Kind:    description.TopologyKindSharded,
		Servers: []description.Server{s},
	}

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(c, c.Servers)

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{s}, result)
}


func TestSelector_Single(t *testing.T) {
	t.Parallel()

	subject := readpref.Primary()

	s := description.Server{
		Addr:              address.Address("localhost:27017"),
		HeartbeatInterval: time.Duration(10) * time.Second,
		LastWriteTime:     time.Date(2017, 2, 11, 14, 0, 0, 0, time.UTC),
		LastUpdateTime:    time.Date(2017, 2, 11, 14, 0, 2, 0, time.UTC),
		Kind:              description.ServerKindMongos,
		WireVersion:       &description.VersionRange{Min: 6, Max: 21},
	}
	c := description.Topology{
		Kind:    description.TopologyKindSingle,
		Servers: []description.Server{s},
	}

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(c, c.Servers)

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{s}, result)
}

func TestSelector_Primary(t *testing.T) {
	t.Parallel()

	subject := readpref.Primary()

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestPrimary}, result)
}

func TestSelector_Primary_with_no_primary(t *testing.T) {
	t.Parallel()

	subject := readpref.Primary()

	result, err := (&ReadPref{ReadPref: subject}).
		SelectServer(readPrefTestTopology, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2})

	require.NoError(t, err)
	require.Len(t, result, 0)
}

func TestSelector_PrimaryPreferred(t *testing.T) {
	t.Parallel()

	subject := readpref.PrimaryPreferred()

	result, err := (&ReadPref{ReadPref: subject}).
		SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestPrimary}, result)
}

func TestSelector_PrimaryPreferred_ignores_tags(t *testing.T) {
	t.Parallel()

	subject := readpref.PrimaryPreferred(
		readpref.WithTags("a", "2"),
	)

	result, err := (&ReadPref{ReadPref: subject}).
		SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestPrimary}, result)
}

func TestSelector_PrimaryPreferred_with_no_primary(t *testing.T) {
	t.Parallel()

	subject := readpref.PrimaryPreferred()

	result, err := (&ReadPref{ReadPref: subject}).
		SelectServer(readPrefTestTopology, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2})

	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Equal(t, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2}, result)
}

func TestSelector_PrimaryPreferred_with_no_primary_and_tags(t *testing.T) {
	t.Parallel()

	subject := readpref.PrimaryPreferred(
		readpref.WithTags("a", "2"),
	)

	result, err := (&ReadPref{ReadPref: subject}).
		SelectServer(readPrefTestTopology, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2})

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestSecondary2}, result)
}

func TestSelector_PrimaryPreferred_with_maxStaleness(t *testing.T) {
	t.Parallel()

	subject := readpref.PrimaryPreferred(
		readpref.WithMaxStaleness(time.Duration(90) * time.Second),
	)

	result, err := (&ReadPref{ReadPref: subject}).
		SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestPrimary}, result)
}

func TestSelector_PrimaryPreferred_with_maxStaleness_and_no_primary(t *testing.T) {
	t.Parallel()

	subject := readpref.PrimaryPreferred(
		readpref.WithMaxStaleness(time.Duration(90) * time.Second),
	)

	result, err := (&ReadPref{ReadPref: subject}).
		SelectServer(readPrefTestTopology, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2})

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestSecondary2}, result)
}

func TestSelector_SecondaryPreferred(t *testing.T) {
	t.Parallel()

	subject := readpref.SecondaryPreferred()

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Equal(t, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2}, result)
}

func TestSelector_SecondaryPreferred_with_tags(t *testing.T) {
	t.Parallel()

	subject := readpref.SecondaryPreferred(
		readpref.WithTags("a", "2"),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestSecondary2}, result)
}

func TestSelector_SecondaryPreferred_with_tags_that_do_not_match(t *testing.T) {
	t.Parallel()

	subject := readpref.SecondaryPreferred(
		readpref.WithTags("a", "3"),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestPrimary}, result)
}

func TestSelector_SecondaryPreferred_with_tags_that_do_not_match_and_no_primary(t *testing.T) {
	t.Parallel()

	subject := readpref.SecondaryPreferred(
		readpref.WithTags("a", "3"),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2})

	require.NoError(t, err)
	require.Len(t, result, 0)
}

func TestSelector_SecondaryPreferred_with_no_secondaries(t *testing.T) {
	t.Parallel()

	subject := readpref.SecondaryPreferred()

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, []description.Server{readPrefTestPrimary})

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestPrimary}, result)
}

func TestSelector_SecondaryPreferred_with_no_secondaries_or_primary(t *testing.T) {
	t.Parallel()

	subject := readpref.SecondaryPreferred()

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, []description.Server{})

	require.NoError(t, err)
	require.Len(t, result, 0)
}

func TestSelector_SecondaryPreferred_with_maxStaleness(t *testing.T) {
	t.Parallel()

	subject := readpref.SecondaryPreferred(
		readpref.WithMaxStaleness(time.Duration(90) * time.Second),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestSecondary2}, result)
}

func TestSelector_SecondaryPreferred_with_maxStaleness_and_no_primary(t *testing.T) {
	t.Parallel()

	subject := readpref.SecondaryPreferred(
		readpref.WithMaxStaleness(time.Duration(90) * time.Second),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2})

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestSecondary2}, result)
}

func TestSelector_Secondary(t *testing.T) {
	t.Parallel()

	subject := readpref.Secondary()

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Equal(t, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2}, result)
}

func TestSelector_Secondary_with_tags(t *testing.T) {
	t.Parallel()

	subject := readpref.Secondary(
		readpref.WithTags("a", "2"),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestSecondary2}, result)
}

func TestSelector_Secondary_with_empty_tag_set(t *testing.T) {
	t.Parallel()

	primaryNoTags := description.Server{
		Addr:        address.Address("localhost:27017"),
		Kind:        description.ServerKindRSPrimary,
		WireVersion: &description.VersionRange{Min: 6, Max: 21},
	}
	firstSecondaryNoTags := description.Server{
		Addr:        address.Address("localhost:27018"),
		Kind:        description.ServerKindRSSecondary,
		WireVersion: &description.VersionRange{Min: 6, Max: 21},
	}
	secondSecondaryNoTags := description.Server{
		Addr:        address.Address("localhost:27019"),
		Kind:        description.ServerKindRSSecondary,
		WireVersion: &description.VersionRange{Min: 6, Max: 21},
	}
	topologyNoTags := description.Topology{
		Kind:    description.TopologyKindReplicaSetWithPrimary,
		Servers: []description.Server{primaryNoTags, firstSecondaryNoTags, secondSecondaryNoTags},
	}

	nonMatchingSet := tag.Set{
		{Name: "foo", Value: "bar"},
	}
	emptyTagSet := tag.Set{}
	rp := readpref.Secondary(
		readpref.WithTagSets(nonMatchingSet, emptyTagSet),
	)

	result, err := (&ReadPref{ReadPref: rp}).SelectServer(topologyNoTags, topologyNoTags.Servers)
	assert.Nil(t, err, "SelectServer error: %v", err)
	expectedResult := []description.Server{firstSecondaryNoTags, secondSecondaryNoTags}
	assert.Equal(t, expectedResult, result, "expected result %v, got %v", expectedResult, result)
}

func TestSelector_Secondary_with_tags_that_do_not_match(t *testing.T) {
	t.Parallel()

	subject := readpref.Secondary(
		readpref.WithTags("a", "3"),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 0)
}

func TestSelector_Secondary_with_no_secondaries(t *testing.T) {
	t.Parallel()

	subject := readpref.Secondary()

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, []description.Server{readPrefTestPrimary})

	require.NoError(t, err)
	require.Len(t, result, 0)
}

func TestSelector_Secondary_with_maxStaleness(t *testing.T) {
	t.Parallel()

	subject := readpref.Secondary(
		readpref.WithMaxStaleness(time.Duration(90) * time.Second),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestSecondary2}, result)
}

func TestSelector_Secondary_with_maxStaleness_and_no_primary(t *testing.T) {
	t.Parallel()

	subject := readpref.Secondary(
		readpref.WithMaxStaleness(time.Duration(90) * time.Second),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2})

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestSecondary2}, result)
}

func TestSelector_Nearest(t *testing.T) {
	t.Parallel()

	subject := readpref.Nearest()

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 3)
	require.Equal(t, []description.Server{readPrefTestPrimary, readPrefTestSecondary1, readPrefTestSecondary2}, result)
}

func TestSelector_Nearest_with_tags(t *testing.T) {
	t.Parallel()

	subject := readpref.Nearest(
		readpref.WithTags("a", "1"),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Equal(t, []description.Server{readPrefTestPrimary, readPrefTestSecondary1}, result)
}

func TestSelector_Nearest_with_tags_that_do_not_match(t *testing.T) {
	t.Parallel()

	subject := readpref.Nearest(
		readpref.WithTags("a", "3"),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 0)
}

func TestSelector_Nearest_with_no_primary(t *testing.T) {
	t.Parallel()

	subject := readpref.Nearest()

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2})

	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Equal(t, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2}, result)
}

func TestSelector_Nearest_with_no_secondaries(t *testing.T) {
	t.Parallel()

	subject := readpref.Nearest()

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, []description.Server{readPrefTestPrimary})

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestPrimary}, result)
}

func TestSelector_Nearest_with_maxStaleness(t *testing.T) {
	t.Parallel()

	subject := readpref.Nearest(
		readpref.WithMaxStaleness(time.Duration(90) * time.Second),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Equal(t, []description.Server{readPrefTestPrimary, readPrefTestSecondary2}, result)
}

func TestSelector_Nearest_with_maxStaleness_and_no_primary(t *testing.T) {
	t.Parallel()

	subject := readpref.Nearest(
		readpref.WithMaxStaleness(time.Duration(90) * time.Second),
	)

	result, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, []description.Server{readPrefTestSecondary1, readPrefTestSecondary2})

	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []description.Server{readPrefTestSecondary2}, result)
}

func TestSelector_Max_staleness_is_less_than_90_seconds(t *testing.T) {
	t.Parallel()

	subject := readpref.Nearest(
		readpref.WithMaxStaleness(time.Duration(50) * time.Second),
	)

	s := description.Server{
		Addr:              address.Address("localhost:27017"),
		HeartbeatInterval: time.Duration(10) * time.Second,
		LastWriteTime:     time.Date(2017, 2, 11, 14, 0, 0, 0, time.UTC),
		LastUpdateTime:    time.Date(2017, 2, 11, 14, 0, 2, 0, time.UTC),
		Kind:              description.ServerKindRSPrimary,
		WireVersion:       &description.VersionRange{Min: 6, Max: 21},
	}
	c := description.Topology{
		Kind:    description.TopologyKindReplicaSetWithPrimary,
		Servers: []description.Server{s},
	}

	_, err := (&ReadPref{ReadPref: subject}).SelectServer(c, c.Servers)

	require.Error(t, err)
}

func TestSelector_Max_staleness_is_too_low(t *testing.T) {
	t.Parallel()

	subject := readpref.Nearest(
		readpref.WithMaxStaleness(time.Duration(100) * time.Second),
	)

	s := description.Server{
		Addr:              address.Address("localhost:27017"),
		HeartbeatInterval: time.Duration(100) * time.Second,
		LastWriteTime:     time.Date(2017, 2, 11, 14, 0, 0, 0, time.UTC),
		LastUpdateTime:    time.Date(2017, 2, 11, 14, 0, 2, 0, time.UTC),
		Kind:              description.ServerKindRSPrimary,
		WireVersion:       &description.VersionRange{Min: 6, Max: 21},
	}
	c := description.Topology{
		Kind:    description.TopologyKindReplicaSetWithPrimary,
		Servers: []description.Server{s},
	}

	_, err := (&ReadPref{ReadPref: subject}).SelectServer(c, c.Servers)

	var msErr InvalidMaxStalenessError
	require.ErrorAs(t, err, &msErr)
	assert.Equal(t, 100*time.Second, msErr.HeartbeatInterval)
	assert.Contains(t, err.Error(), "heartbeat interval (100s) plus idle write period (10s)")
}

func TestSelector_Max_staleness_heartbeat_from_known_server(t *testing.T) {
	t.Parallel()

	subject := readpref.Nearest(
		readpref.WithMaxStaleness(time.Duration(100) * time.Second),
	)

	unknown := description.Server{
		Addr: address.Address("localhost:27018"),
		Kind: description.ServerKindUnknown,
	}
	primary := description.Server{
		Addr:              address.Address("localhost:27017"),
		HeartbeatInterval: time.Duration(100) * time.Second,
		LastWriteTime:     time.Date(2017, 2, 11, 14, 0, 0, 0, time.UTC),
		LastUpdateTime:    time.Date(2017, 2, 11, 14, 0, 2, 0, time.UTC),
		Kind:              description.ServerKindRSPrimary,
		WireVersion:       &description.VersionRange{Min: 6, Max: 21},
	}

	t.Run("unknown server listed first", func(t *testing.T) {
		t.Parallel()

		c := description.Topology{
			Kind:    description.TopologyKindReplicaSetWithPrimary,
			Servers: []description.Server{unknown, primary},
		}
		_, err := (&ReadPref{ReadPref: subject}).SelectServer(c, c.Servers)

		var msErr InvalidMaxStalenessError
		require.ErrorAs(t, err, &msErr)
		assert.Equal(t, 100*time.Second, msErr.HeartbeatInterval)
	})
	t.Run("no known server", func(t *testing.T) {
		t.Parallel()

		c := description.Topology{
			Kind:    description.TopologyKindReplicaSetNoPrimary,
			Servers: []description.Server{unknown},
		}
		result, err := (&ReadPref{ReadPref: subject}).SelectServer(c, c.Servers)

		require.NoError(t, err)
		assert.Empty(t, result)
	})
}

func TestSelector_Composite(t *testing.T) {
	t.Parallel()

	fast := readPrefTestSecondary2
	fast.AverageRTT, fast.AverageRTTSet = 2*time.Millisecond, true
	slow := readPrefTestSecondary1
	slow.Addr = "localhost:27019"
	slow.LastWriteTime = fast.LastWriteTime
	slow.AverageRTT, slow.AverageRTTSet = 40*time.Millisecond, true
	primary := readPrefTestPrimary
	primary.AverageRTT, primary.AverageRTTSet = 10*time.Millisecond, true

	topo := description.Topology{
		Kind:    description.TopologyKindReplicaSetWithPrimary,
		Servers: []description.Server{primary, slow, fast},
	}
	selector := &Composite{Selectors: []description.ServerSelector{
		&ReadPref{ReadPref: readpref.Nearest()},
		&Latency{Latency: 15 * time.Millisecond},
	}}

	result, err := selector.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	assert.Equal(t, []description.Server{primary, fast}, result)
}

func TestSelector_Composite_error_stops_chain(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	called := false
	selector := &Composite{Selectors: []description.ServerSelector{
		Func(func(description.Topology, []description.Server) ([]description.Server, error) {
			return nil, boom
		}),
		Func(func(_ description.Topology, s []description.Server) ([]description.Server, error) {
			called = true
			return s, nil
		}),
	}}

	_, err := selector.SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)
	assert.ErrorIs(t, err, boom)
	assert.False(t, called, "selectors after a failure should not run")
}

func TestSelector_Max_staleness_error_is_structured(t *testing.T) {
	t.Parallel()

	subject := readpref.Secondary(readpref.WithMaxStaleness(30 * time.Second))
	_, err := (&ReadPref{ReadPref: subject}).SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	var msErr InvalidMaxStalenessError
	require.ErrorAs(t, err, &msErr)
	assert.Equal(t, 30*time.Second, msErr.MaxStaleness)
	assert.Contains(t, err.Error(), "90s")
}

func TestSelector_custom_staleness_estimator(t *testing.T) {
	t.Parallel()

	var seen []address.Address
	estimator := StalenessEstimatorFunc(func(s description.Server, _ []description.Server) time.Duration {
		seen = append(seen, s.Addr)
		if s.Tags.Contains("a", "1") {
			return time.Hour
		}
		return 0
	})
	subject := readpref.Secondary(readpref.WithMaxStaleness(120 * time.Second))

	result, err := (&ReadPref{ReadPref: subject, Staleness: estimator}).
		SelectServer(readPrefTestTopology, readPrefTestTopology.Servers)

	require.NoError(t, err)
	assert.Equal(t, []description.Server{readPrefTestSecondary2}, result)
	assert.Len(t, seen, 2, "the estimator should be consulted once per secondary")
}

func TestLastWriteStaleness(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		secondary  description.Server
		candidates []description.Server
		want       time.Duration
	}{
		{
			name:       "with primary, lagging secondary",
			secondary:  readPrefTestSecondary1,
			candidates: readPrefTestTopology.Servers,
			// (2m2s - 2s) + 10s heartbeat
			want: 130 * time.Second,
		},
		{
			name:       "with primary, caught up secondary",
			secondary:  readPrefTestSecondary2,
			candidates: readPrefTestTopology.Servers,
			want:       10 * time.Second,
		},
		{
			name:       "no primary measures against freshest secondary",
			secondary:  readPrefTestSecondary1,
			candidates: []description.Server{readPrefTestSecondary1, readPrefTestSecondary2},
			want:       130 * time.Second,
		},
		{
			name:       "no primary, freshest secondary",
			secondary:  readPrefTestSecondary2,
			candidates: []description.Server{readPrefTestSecondary1, readPrefTestSecondary2},
			want:       10 * time.Second,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := LastWriteStaleness{}.EstimateStaleness(tc.secondary, tc.candidates)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("staleness mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func BenchmarkLatencySelector(b *testing.B) {
	s := description.Server{
		Addr:          address.Address("localhost:27017"),
		Kind:          description.ServerKindMongos,
		AverageRTTSet: true,
		AverageRTT:    time.Second,
	}
	servers := make([]description.Server, 100)
	for i := range servers {
		servers[i] = s
		if i%2 == 0 {
			servers[i].AverageRTT = 2 * time.Second
		}
	}
	servers[99].AverageRTT = 500 * time.Millisecond
	c := description.Topology{Kind: description.TopologyKindSharded, Servers: servers}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = (&Latency{Latency: time.Second}).SelectServer(c, c.Servers)
	}
}
