package consts

// RosterAdvisoryLockID is a unique integer used for a PostgreSQL advisory lock
// to ensure that only one roster instance or admin tool runs migrations at a time.
const RosterAdvisoryLockID = 52911307
