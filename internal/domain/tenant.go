package domain

import (
	"strings"
	"time"
)

// UserType is the account kind declared by the caller's token.
type UserType string

const (
	UserTypeUser    UserType = "user"
	UserTypeSubuser UserType = "subuser"
)

// ParseUserType maps a claim value to a UserType. Anything that is not
// recognisably a subuser is treated as an account-level user.
func ParseUserType(v string) UserType {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "subuser", "sub_user", "sub-user":
		return UserTypeSubuser
	default:
		return UserTypeUser
	}
}

// DatabaseType defines the engine behind a private-cloud database.
type DatabaseType string

const (
	DatabaseMySQL      DatabaseType = "mysql"
	DatabasePostgreSQL DatabaseType = "postgresql"
	DatabaseSQLServer  DatabaseType = "sqlserver"
)

// IsValidDatabaseType returns true if the type is recognized.
func IsValidDatabaseType(t DatabaseType) bool {
	switch t {
	case DatabaseMySQL, DatabasePostgreSQL, DatabaseSQLServer:
		return true
	}
	return false
}

// ParseDatabaseType accepts the common spellings used by the admin UI.
func ParseDatabaseType(v string) (DatabaseType, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "mysql", "mariadb":
		return DatabaseMySQL, true
	case "postgresql", "postgres", "pgsql":
		return DatabasePostgreSQL, true
	case "sqlserver", "mssql":
		return DatabaseSQLServer, true
	}
	return "", false
}

// TestStatus is the outcome of the last connection test of a private database.
type TestStatus string

const (
	TestStatusPending TestStatus = "pending"
	TestStatusSuccess TestStatus = "success"
	TestStatusFailed  TestStatus = "failed"
)

// IsValidTestStatus returns true if the status is recognized.
func IsValidTestStatus(s TestStatus) bool {
	switch s {
	case TestStatusPending, TestStatusSuccess, TestStatusFailed:
		return true
	}
	return false
}

// TenantDatabaseConfig is the persisted private-cloud database of an account.
// Configs are never deleted; deactivation flips IsActive.
type TenantDatabaseConfig struct {
	OwnerEmail       string       `json:"owner_email"`
	ConnectionString string       `json:"-"`
	DatabaseType     DatabaseType `json:"database_type"`
	IsActive         bool         `json:"is_active"`
	LastTestedAt     *time.Time   `json:"last_tested_at,omitempty"`
	TestStatus       TestStatus   `json:"test_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TenantIdentity is derived per request and never persisted.
// EffectiveOwnerEmail names the account whose database serves the request.
type TenantIdentity struct {
	RawEmail            string `json:"raw_email"`
	IsSubuser           bool   `json:"is_subuser"`
	EffectiveOwnerEmail string `json:"effective_owner_email"`
}

// NormalizeEmail trims and lower-cases an email so that lookups, cache keys
// and rate-limit keys agree on a single spelling.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
