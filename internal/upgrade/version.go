package upgrade

// RequiredSchemaVersion is the Postgres schema version this binary expects.
// Bump it together with each new file in migrations/.
const RequiredSchemaVersion uint = 2
