package core

// error_messages.go maps technical errors to user-facing messages with
// support codes.
//
// # Error Codes Reference
//
// Codes are grouped by category. Users quote the code to support staff,
// who can look up the pattern that produced it here.
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key: a record with this key already exists
//	        Patterns: "duplicate key"
//	DB002 - Unique constraint: a value that must be unique already exists
//	        Patterns: "violates unique", "unique constraint"
//	DB003 - Connection refused: database unreachable
//	        Patterns: "connection refused"
//	DB004 - Connection reset: database connection interrupted
//	        Patterns: "connection reset"
//	DB005 - Deadlock: conflicting concurrent writes
//	        Patterns: "deadlock"
//	DB006 - Record missing: a record disappeared while importing
//	        Patterns: "record not found"
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Invalid date          Patterns: "invalid date"
//	VAL002 - Invalid number        Patterns: "invalid number"
//	VAL003 - Invalid boolean       Patterns: "invalid boolean"
//	VAL004 - Mapping incomplete    Patterns: "mapping has blocking issues"
//	VAL005 - Column not found      Patterns: "column not found"
//	VAL006 - Unknown strategy      Patterns: "unknown strategy"
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large       Patterns: "request body too large", "file too large"
//	FILE002 - Unsupported format   Patterns: "(unsupportedformat)"
//	FILE003 - Encoding error       Patterns: "(malformedencoding)"
//	FILE004 - Empty file           Patterns: "(emptyfile)"
//	FILE005 - Unreadable file      Patterns: "(malformedfile)"
//	FILE006 - No file              Patterns: "no file provided"
//	FILE007 - Too many rows        Patterns: "too many rows"
//
// # Import Errors (IMP001-IMP099)
//
//	IMP001 - System busy           Patterns: "too many imports"
//	IMP002 - Session expired       Patterns: "import session not found"
//	IMP003 - Request cancelled     Patterns: "context canceled"
//	IMP004 - Request timeout       Patterns: "context deadline exceeded", "timeout"
//	IMP005 - Import rolled back    Patterns: "was rolled back"
//
// # Entity Errors (ENT001-ENT099)
//
//	ENT001 - Unknown entity type   Patterns: "unknown entity type"
//
// # Rate Limiting (RATE001-RATE099)
//
//	RATE001 - Rate limited         Patterns: "rate limit"
//
// ERR000 is the fallback when nothing matches; check the logs for the
// original error.
//
// Patterns are matched case-insensitively with strings.Contains and the
// first match wins, so specific patterns come before general ones. A
// rolled back import reports the underlying store error when it is known
// (DB001 for a duplicate key) and IMP005 otherwise.

import (
	"fmt"
	"strings"
)

// UserMessage is a user-friendly description of an error.
type UserMessage struct {
	Message string // What happened
	Action  string // What to do about it
	Code    string // Support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// =========================================================================
	// Database (DB001-DB006)
	// =========================================================================
	{"duplicate key", UserMessage{
		Message: "A record with this key already exists",
		Action:  "Choose the overwrite, merge or skip-duplicates strategy, or remove the row",
		Code:    "DB001",
	}},
	{"violates unique", UserMessage{
		Message: "A value that must be unique already exists",
		Action:  "Review your data for duplicate key values",
		Code:    "DB002",
	}},
	{"unique constraint", UserMessage{
		Message: "A value that must be unique already exists",
		Action:  "Review your data for duplicate key values",
		Code:    "DB002",
	}},
	{"connection refused", UserMessage{
		Message: "Unable to connect to the database",
		Action:  "Please try again in a few moments",
		Code:    "DB003",
	}},
	{"connection reset", UserMessage{
		Message: "Database connection was interrupted",
		Action:  "Please try again",
		Code:    "DB004",
	}},
	{"deadlock", UserMessage{
		Message: "Database was busy with conflicting operations",
		Action:  "Please try again",
		Code:    "DB005",
	}},
	{"record not found", UserMessage{
		Message: "A record changed while the import was running",
		Action:  "Run the dry run again and re-import",
		Code:    "DB006",
	}},

	// =========================================================================
	// Validation (VAL001-VAL006)
	// =========================================================================
	{"invalid date", UserMessage{
		Message: "Invalid date format detected",
		Action:  "Use YYYY-MM-DD, MM/DD/YYYY, or Jan 15, 2024",
		Code:    "VAL001",
	}},
	{"invalid number", UserMessage{
		Message: "Invalid number format detected",
		Action:  "Use digits with '.' as the decimal separator",
		Code:    "VAL002",
	}},
	{"invalid boolean", UserMessage{
		Message: "Invalid yes/no value detected",
		Action:  "Use true/false, yes/no or 1/0",
		Code:    "VAL003",
	}},
	{"mapping has blocking issues", UserMessage{
		Message: "Some required fields are not mapped to a column",
		Action:  "Map every required field before validating",
		Code:    "VAL004",
	}},
	{"column not found", UserMessage{
		Message: "Column not found in the file",
		Action:  "Check the column name or position",
		Code:    "VAL005",
	}},
	{"unknown strategy", UserMessage{
		Message: "Unknown import strategy",
		Action:  "Use create-only, overwrite, merge or skip-duplicates",
		Code:    "VAL006",
	}},

	// =========================================================================
	// File (FILE001-FILE007)
	// =========================================================================
	{"request body too large", UserMessage{
		Message: "File exceeds the maximum upload size",
		Action:  "Split the file into smaller files",
		Code:    "FILE001",
	}},
	{"file too large", UserMessage{
		Message: "File exceeds the maximum upload size",
		Action:  "Split the file into smaller files",
		Code:    "FILE001",
	}},
	{"(unsupportedformat)", UserMessage{
		Message: "File format or settings are not supported",
		Action:  "Upload a CSV or XLSX file and check the delimiter and encoding",
		Code:    "FILE002",
	}},
	{"(malformedencoding)", UserMessage{
		Message: "File contains invalid characters for its encoding",
		Action:  "Save the file as UTF-8 or choose the matching encoding",
		Code:    "FILE003",
	}},
	{"(emptyfile)", UserMessage{
		Message: "The uploaded file is empty",
		Action:  "Upload a file with a header row and data rows",
		Code:    "FILE004",
	}},
	{"(malformedfile)", UserMessage{
		Message: "The file could not be read",
		Action:  "Re-export the file from your spreadsheet program",
		Code:    "FILE005",
	}},
	{"no file provided", UserMessage{
		Message: "No file was selected",
		Action:  "Please select a CSV or XLSX file to upload",
		Code:    "FILE006",
	}},
	{"too many rows", UserMessage{
		Message: "The file has more rows than allowed",
		Action:  "Split the file into smaller files",
		Code:    "FILE007",
	}},

	// =========================================================================
	// Import (IMP001-IMP005)
	// =========================================================================
	{"too many imports", UserMessage{
		Message: "System is busy processing other imports",
		Action:  "Please wait a moment and try again",
		Code:    "IMP001",
	}},
	{"import session not found", UserMessage{
		Message: "Import session not found",
		Action:  "The session may have expired. Please upload the file again",
		Code:    "IMP002",
	}},
	{"context canceled", UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "IMP003",
	}},
	{"context deadline exceeded", UserMessage{
		Message: "Request timed out",
		Action:  "Try a smaller file or try again later",
		Code:    "IMP004",
	}},
	{"timeout", UserMessage{
		Message: "Request timed out",
		Action:  "Try a smaller file or try again later",
		Code:    "IMP004",
	}},
	{"was rolled back", UserMessage{
		Message: "The import failed and no changes were saved",
		Action:  "Review the report and try again",
		Code:    "IMP005",
	}},

	// =========================================================================
	// Entities (ENT001) and rate limiting (RATE001)
	// =========================================================================
	{"unknown entity type", UserMessage{
		Message: "Unknown entity type",
		Action:  "Choose one of the listed entity types",
		Code:    "ENT001",
	}},
	{"rate limit", UserMessage{
		Message: "Too many requests",
		Action:  "Please wait a moment before trying again",
		Code:    "RATE001",
	}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
//	msg := MapError(errors.New("duplicate key value violates unique constraint"))
//	// msg.Code == "DB001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError formats err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern.
func IsUserFacing(err error) bool {
	return err != nil && MapError(err).Code != defaultMessage.Code
}
