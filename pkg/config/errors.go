package config

import "errors"

var (
	errConfigFileRead        = errors.New("cannot read config file")
	errConfigInvalid         = errors.New("invalid config file")
	errBioThreadsZero        = errors.New("bio_threads must be at least 1")
	errSlabSizeNotPowerOfTwo = errors.New("slab_data_blocks must be a power of two")
	errSlabJournalSizeZero   = errors.New("slab_journal_blocks must be at least 1")
	errRecoveryJournalSizeNotPowerOfTwo = errors.New("recovery_journal_blocks must be a power of two")
	errDedupeTimeoutZero     = errors.New("dedupe_timeout_ms must be nonzero")
	errPartialZoneCounts     = errors.New("logical_zones, physical_zones, and hash_zones must be all zero or all nonzero")
)
