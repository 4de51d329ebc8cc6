package threadconfig_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/govdo/pkg/vdo/threadconfig"
)

func TestDegenerateConfigSharesOneThread(t *testing.T) {
	config, err := threadconfig.New(threadconfig.ZoneCounts{Bio: 2})
	require.NoError(t, err)
	require.True(t, config.IsDegenerate())

	require.Equal(t, []threadconfig.ThreadID{0}, config.LogicalThreads)
	require.Equal(t, []threadconfig.ThreadID{0}, config.PhysicalThreads)
	require.Equal(t, []threadconfig.ThreadID{0}, config.HashThreads)
	require.Equal(t, threadconfig.ThreadID(0), config.AdminThread)
	require.Equal(t, threadconfig.ThreadID(0), config.JournalThread)
	require.Equal(t, threadconfig.ThreadID(0), config.PackerThread)

	require.Equal(t, threadconfig.ThreadID(1), config.DedupeThread)
	require.Equal(t, threadconfig.InvalidThreadID, config.BioAckThread)
	require.Equal(t, threadconfig.ThreadID(2), config.CPUThread)
	require.Equal(t, []threadconfig.ThreadID{3, 4}, config.BioThreads)
	require.Equal(t, threadconfig.ThreadID(5), config.ThreadCount)
}

func TestFullConfigAssignsDistinctThreadsPerZone(t *testing.T) {
	config, err := threadconfig.New(threadconfig.ZoneCounts{
		Logical:  2,
		Physical: 1,
		Hash:     3,
		BioAck:   1,
		Bio:      2,
	})
	require.NoError(t, err)
	require.False(t, config.IsDegenerate())

	require.Equal(t, threadconfig.ThreadID(0), config.AdminThread)
	require.Equal(t, threadconfig.ThreadID(0), config.JournalThread)
	require.Equal(t, threadconfig.ThreadID(1), config.PackerThread)
	require.Equal(t, []threadconfig.ThreadID{2, 3}, config.LogicalThreads)
	require.Equal(t, []threadconfig.ThreadID{4}, config.PhysicalThreads)
	require.Equal(t, []threadconfig.ThreadID{5, 6, 7}, config.HashThreads)
	require.Equal(t, threadconfig.ThreadID(8), config.DedupeThread)
	require.Equal(t, threadconfig.ThreadID(9), config.BioAckThread)
	require.Equal(t, threadconfig.ThreadID(10), config.CPUThread)
	require.Equal(t, []threadconfig.ThreadID{11, 12}, config.BioThreads)
	require.Equal(t, threadconfig.ThreadID(13), config.ThreadCount)
}

func TestBioAckThreadIsInvalidWhenNotConfigured(t *testing.T) {
	config, err := threadconfig.New(threadconfig.ZoneCounts{Logical: 1, Physical: 1, Hash: 1, Bio: 1})
	require.NoError(t, err)
	require.Equal(t, threadconfig.InvalidThreadID, config.BioAckThread)
}

func TestRejectsPartiallyConfiguredZoneCounts(t *testing.T) {
	_, err := threadconfig.New(threadconfig.ZoneCounts{Logical: 1, Bio: 1})
	require.Error(t, err)

	_, err = threadconfig.New(threadconfig.ZoneCounts{Physical: 2, Hash: 1, Bio: 1})
	require.Error(t, err)
}

func TestRejectsZeroBioThreads(t *testing.T) {
	_, err := threadconfig.New(threadconfig.ZoneCounts{})
	require.Error(t, err)
}

func TestThreadNameForDegenerateConfig(t *testing.T) {
	config, err := threadconfig.New(threadconfig.ZoneCounts{Bio: 1})
	require.NoError(t, err)
	require.Equal(t, "reqQ", config.ThreadName(0))
	require.Equal(t, "dedupeQ", config.ThreadName(config.DedupeThread))
	require.Equal(t, "bioQ0", config.ThreadName(config.BioThreads[0]))
}

func TestThreadNameForFullConfig(t *testing.T) {
	config, err := threadconfig.New(threadconfig.ZoneCounts{
		Logical: 2, Physical: 1, Hash: 1, BioAck: 1, Bio: 1,
	})
	require.NoError(t, err)

	// AdminThread and JournalThread share the same ID; the journalQ
	// name takes precedence, mirroring the original's check order.
	require.Equal(t, config.JournalThread, config.AdminThread)
	require.Equal(t, "journalQ", config.ThreadName(config.JournalThread))
	require.Equal(t, "packerQ", config.ThreadName(config.PackerThread))
	require.Equal(t, "logQ0", config.ThreadName(config.LogicalThreads[0]))
	require.Equal(t, "logQ1", config.ThreadName(config.LogicalThreads[1]))
	require.Equal(t, "physQ0", config.ThreadName(config.PhysicalThreads[0]))
	require.Equal(t, "hashQ0", config.ThreadName(config.HashThreads[0]))
	require.Equal(t, "dedupeQ", config.ThreadName(config.DedupeThread))
	require.Equal(t, "ackQ", config.ThreadName(config.BioAckThread))
	require.Equal(t, "cpuQ", config.ThreadName(config.CPUThread))
	require.Equal(t, "bioQ0", config.ThreadName(config.BioThreads[0]))
}
