package domain

import (
	"context"
)

// ConceptResolver resolves a (vocabulary, source code) pair against a
// pinned vocabulary version. Resolution never fails on unmapped codes;
// those return the UnmappedConceptID sentinel. An error means the pinned
// version is missing or storage is unavailable.
type ConceptResolver interface {
	Resolve(ctx context.Context, vocabularyID, sourceCode, vocabularyVersion string) (*MappingResult, error)
}

// CustomConceptLookup is the read-side of the custom concept registry
// consulted by the resolver as a fallback.
type CustomConceptLookup interface {
	ActiveByCode(ctx context.Context, vocabularyID, sourceCode string) (*CustomConcept, error)
}

// AuditLogger records append-only audit entries. Implementations must
// reject entries missing an actor or a reason.
type AuditLogger interface {
	Record(ctx context.Context, entry *AuditEntry) error
}

// RecordMapper transforms a validated source record into target rows
type RecordMapper interface {
	MapRecord(ctx context.Context, record *SourceRecord, vocabularyVersion string) (*MappedRecord, error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	GetLinkageConfig() *LinkageConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetRedisConnectionString() string
}
