package version

// Version is the current version of catalog-etl.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.4.0"

// Name is the application name.
const Name = "catalog-etl"

// Description is a short description of the application.
const Description = "Incremental PostgreSQL to Elasticsearch catalog indexer"
