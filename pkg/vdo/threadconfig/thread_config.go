// Package threadconfig computes the static assignment of logical,
// physical, and hash zones (plus the fixed admin/journal/packer/
// dedupe/cpu/bio_ack threads and the bio thread pool) to thread IDs.
// The assignment is purely arithmetic: it is decided once, at device
// load, from the configured zone counts, and never changes while the
// device is running.
package threadconfig

import "fmt"

// ThreadID identifies one of the fixed worker threads (zones included)
// that a VDO device schedules work onto. It is a dense index starting
// at zero; the assignment order below is the only thing that gives it
// meaning.
type ThreadID uint32

// InvalidThreadID marks a thread role that this configuration does
// not use, such as bio_ack when no bio_ack threads were configured.
const InvalidThreadID ThreadID = ^ThreadID(0)

// ZoneCounts are the user-configured thread/zone counts that drive
// the assignment. The triple (Logical, Physical, Hash) must be either
// all zero (the degenerate single-thread configuration) or all
// nonzero.
type ZoneCounts struct {
	Logical  uint32
	Physical uint32
	Hash     uint32
	BioAck   uint32
	Bio      uint32
}

// Config is the resulting static thread table. LogicalThreads,
// PhysicalThreads, and HashThreads are indexed by zone number.
// BioThreads is indexed by bio-thread number.
type Config struct {
	LogicalThreads  []ThreadID
	PhysicalThreads []ThreadID
	HashThreads     []ThreadID
	BioThreads      []ThreadID

	AdminThread   ThreadID
	JournalThread ThreadID
	PackerThread  ThreadID
	DedupeThread  ThreadID
	BioAckThread  ThreadID
	CPUThread     ThreadID

	// ThreadCount is the total number of distinct thread IDs assigned;
	// valid thread IDs for this config are in [0, ThreadCount).
	ThreadCount ThreadID

	// degenerate is true when all three zone counts are zero;
	// recorded to answer IsDegenerate without recomputing it.
	degenerate bool
}

// IsDegenerate reports whether this is the single-thread
// configuration used when all three zone counts are zero: one thread
// serves the logical, physical, and hash zone plus the packer and
// recovery journal.
func (c *Config) IsDegenerate() bool {
	return c.degenerate
}

func assignSequential(ids []ThreadID, next *ThreadID) {
	for i := range ids {
		ids[i] = *next
		*next++
	}
}

// New builds a Config from the given zone counts, enforcing that
// (Logical, Physical, Hash) are either all zero or all nonzero.
func New(counts ZoneCounts) (*Config, error) {
	if err := validate(counts); err != nil {
		return nil, err
	}

	config := &Config{}
	total := counts.Logical + counts.Physical + counts.Hash

	var next ThreadID
	if total == 0 {
		config.degenerate = true
		config.LogicalThreads = []ThreadID{next}
		config.PhysicalThreads = []ThreadID{next}
		config.HashThreads = []ThreadID{next}
		config.JournalThread = next
		config.PackerThread = next
		config.AdminThread = next
		next++
	} else {
		config.AdminThread = next
		config.JournalThread = next
		next++
		config.PackerThread = next
		next++

		config.LogicalThreads = make([]ThreadID, counts.Logical)
		assignSequential(config.LogicalThreads, &next)
		config.PhysicalThreads = make([]ThreadID, counts.Physical)
		assignSequential(config.PhysicalThreads, &next)
		config.HashThreads = make([]ThreadID, counts.Hash)
		assignSequential(config.HashThreads, &next)
	}

	config.DedupeThread = next
	next++

	if counts.BioAck > 0 {
		config.BioAckThread = next
		next++
	} else {
		config.BioAckThread = InvalidThreadID
	}

	config.CPUThread = next
	next++

	config.BioThreads = make([]ThreadID, counts.Bio)
	assignSequential(config.BioThreads, &next)

	config.ThreadCount = next
	return config, nil
}

func validate(counts ZoneCounts) error {
	total := counts.Logical + counts.Physical + counts.Hash
	allNonzero := counts.Logical != 0 && counts.Physical != 0 && counts.Hash != 0
	if total != 0 && !allNonzero {
		return fmt.Errorf("threadconfig: logical, physical, and hash zone counts must be all zero or all nonzero, got %+v", counts)
	}
	if counts.Bio == 0 {
		return fmt.Errorf("threadconfig: bio thread count must be at least 1, got 0")
	}
	return nil
}

func zoneThreadName(ids []ThreadID, prefix string, id ThreadID) (string, bool) {
	if len(ids) == 0 || id < ids[0] {
		return "", false
	}
	index := id - ids[0]
	if int(index) < len(ids) {
		return fmt.Sprintf("%s%d", prefix, index), true
	}
	return "", false
}

// ThreadName formats the name of the worker thread that services the
// given thread ID, mirroring the historical queue names (reqQ,
// journalQ, adminQ, packerQ, dedupeQ, ackQ, cpuQ, logQ<n>, physQ<n>,
// hashQ<n>, bioQ<n>).
func (c *Config) ThreadName(id ThreadID) string {
	if c.degenerate && id == 0 {
		return "reqQ"
	}

	switch id {
	case c.JournalThread:
		return "journalQ"
	case c.AdminThread:
		return "adminQ"
	case c.PackerThread:
		return "packerQ"
	case c.DedupeThread:
		return "dedupeQ"
	case c.BioAckThread:
		return "ackQ"
	case c.CPUThread:
		return "cpuQ"
	}

	if name, ok := zoneThreadName(c.LogicalThreads, "logQ", id); ok {
		return name
	}
	if name, ok := zoneThreadName(c.PhysicalThreads, "physQ", id); ok {
		return name
	}
	if name, ok := zoneThreadName(c.HashThreads, "hashQ", id); ok {
		return name
	}
	if name, ok := zoneThreadName(c.BioThreads, "bioQ", id); ok {
		return name
	}

	return fmt.Sprintf("reqQ%d", id)
}
