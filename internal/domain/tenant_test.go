package domain

import "testing"

func TestParseUserType(t *testing.T) {
	tests := []struct {
		in   string
		want UserType
	}{
		{"user", UserTypeUser},
		{"subuser", UserTypeSubuser},
		{" SubUser ", UserTypeSubuser},
		{"sub_user", UserTypeSubuser},
		{"", UserTypeUser},
		{"admin", UserTypeUser},
	}
	for _, tt := range tests {
		if got := ParseUserType(tt.in); got != tt.want {
			t.Errorf("ParseUserType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsValidDatabaseType(t *testing.T) {
	tests := []struct {
		t    DatabaseType
		want bool
	}{
		{DatabaseMySQL, true},
		{DatabasePostgreSQL, true},
		{DatabaseSQLServer, true},
		{DatabaseType("oracle"), false},
		{DatabaseType(""), false},
	}
	for _, tt := range tests {
		if got := IsValidDatabaseType(tt.t); got != tt.want {
			t.Errorf("IsValidDatabaseType(%q) = %v, want %v", tt.t, got, tt.want)
		}
	}
}

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		in     string
		want   DatabaseType
		wantOK bool
	}{
		{"postgres", DatabasePostgreSQL, true},
		{"PostgreSQL", DatabasePostgreSQL, true},
		{"mssql", DatabaseSQLServer, true},
		{"MariaDB", DatabaseMySQL, true},
		{"sqlite", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseDatabaseType(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseDatabaseType(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestIsValidTestStatus(t *testing.T) {
	for _, s := range []TestStatus{TestStatusPending, TestStatusSuccess, TestStatusFailed} {
		if !IsValidTestStatus(s) {
			t.Errorf("IsValidTestStatus(%q) = false", s)
		}
	}
	if IsValidTestStatus("unknown") {
		t.Error("IsValidTestStatus(unknown) = true")
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Owner@Co.COM "); got != "owner@co.com" {
		t.Fatalf("NormalizeEmail = %q", got)
	}
}
